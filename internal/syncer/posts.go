package syncer

import (
	"context"
	"time"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/moderation"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

// fetchPosts pulls the scheduled posts due now.
func (s *Service) fetchPosts(ctx context.Context) ([]controlplane.ScheduledPost, bool) {
	posts, err := s.client.ScheduledPosts(ctx, time.Now())
	if err != nil {
		s.logFetchErr("scheduled_posts", 0, err)
		return nil, false
	}
	return posts, true
}

// dispatchPosts sends due scheduled posts.
//
// Idempotency has three layers, cheapest first: the lru cache (this
// process), the sqlite executed_posts table (across restarts), and the
// backend's executed flag (authoritative, via mark-executed). A post is sent
// at most once; a failed acknowledgment is retried on later cycles without
// re-sending.
func (s *Service) dispatchPosts(ctx context.Context, posts []controlplane.ScheduledPost, degraded *[]string) {
	moderatedSet := map[int64]struct{}{}
	for _, gid := range s.groupList() {
		moderatedSet[gid] = struct{}{}
	}

	failedAck := 0
	failedDispatch := 0
	for _, post := range posts {
		if post.Executed {
			continue
		}
		if s.alreadyDispatched(ctx, post.ID) {
			// Sent before but the ack never landed; retry the ack only.
			if err := s.client.MarkExecuted(ctx, post.ID); err != nil {
				failedAck++
				s.log.Error("mark-executed still failing for dispatched post",
					logx.Int64("post", post.ID), logx.Err(err))
			}
			continue
		}

		eligible := 0
		for _, gid := range post.TargetGroups {
			if _, ok := moderatedSet[gid]; ok {
				eligible++
			}
		}
		if eligible == 0 {
			// No moderated chat wants this post; that is a policy skip, not
			// a delivery failure. Ack it so the backend stops returning it.
			if len(post.TargetGroups) > 0 {
				s.log.Info("post targets no moderated chat; acknowledging without dispatch",
					logx.Int64("post", post.ID))
			}
			if err := s.client.MarkExecuted(ctx, post.ID); err != nil {
				failedAck++
				s.log.Error("mark-executed failed for skipped post",
					logx.Int64("post", post.ID), logx.Err(err))
			}
			continue
		}

		s.mu.RLock()
		content := moderation.RenderTemplate(post.Content, s.website, s.projName)
		s.mu.RUnlock()

		sent := 0
		for _, gid := range post.TargetGroups {
			if _, ok := moderatedSet[gid]; !ok {
				s.log.Debug("post targets unmanaged chat; skipping target",
					logx.Int64("post", post.ID), logx.Int64("chat", gid))
				continue
			}
			if err := s.exec.SendPost(ctx, gid, post, content); err != nil {
				s.log.Warn("post dispatch failed",
					logx.Int64("post", post.ID), logx.Int64("chat", gid), logx.Err(err))
				continue
			}
			sent++
		}
		if sent == 0 {
			// Every eligible send failed; leave the post unacked so the next
			// cycle retries the dispatch itself.
			failedDispatch++
			continue
		}

		s.rememberDispatched(ctx, post.ID)
		if err := s.client.MarkExecuted(ctx, post.ID); err != nil {
			failedAck++
			// The local dedup keeps the group from seeing the post twice,
			// but until the ack lands the backend will keep returning it.
			s.log.Error("post dispatched but mark-executed failed",
				logx.Int64("post", post.ID), logx.Err(err))
		}
	}
	if failedDispatch > 0 {
		*degraded = append(*degraded, "post_dispatch")
	}
	if failedAck > 0 {
		*degraded = append(*degraded, "mark_executed")
	}
}

func (s *Service) alreadyDispatched(ctx context.Context, postID int64) bool {
	if s.executed.Contains(postID) {
		return true
	}
	if s.disk != nil {
		ok, err := s.disk.WasPostExecuted(ctx, postID)
		if err == nil && ok {
			s.executed.Add(postID, struct{}{})
			return true
		}
	}
	return false
}

func (s *Service) rememberDispatched(ctx context.Context, postID int64) {
	s.executed.Add(postID, struct{}{})
	if s.disk != nil {
		if err := s.disk.MarkPostExecuted(ctx, postID, time.Now()); err != nil {
			s.log.Warn("recording dispatched post failed", logx.Int64("post", postID), logx.Err(err))
		}
	}
}
