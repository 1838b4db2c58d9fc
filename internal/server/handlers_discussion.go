package server

import (
	"net/http"

	"threadhub/internal/apperr"
	"threadhub/internal/discussion"
	"threadhub/internal/util"
)

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PostID          int64  `json:"post_id"`
		AuthorID        int64  `json:"author_id"`
		ParentCommentID *int64 `json:"parent_comment_id"`
		Content         string `json:"content"`
		AtUserID        *int64 `json:"at_user_id"`
		IdempotencyKey  string `json:"idempotency_key"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.PostID <= 0 || body.AuthorID <= 0 {
		writeError(w, apperr.BadRequest("post_id and author_id are required"))
		return
	}
	comment, err := s.discussion.CreateComment(r.Context(), discussion.CreateCommentInput{
		PostID:          body.PostID,
		AuthorID:        body.AuthorID,
		ParentCommentID: body.ParentCommentID,
		Content:         body.Content,
		AtUserID:        body.AtUserID,
		IdempotencyKey:  body.IdempotencyKey,
		ClientIP:        util.ClientIP(r, s.trustForwarded),
		UserAgent:       r.UserAgent(),
		TraceID:         util.TraceIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(comment))
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	threads, err := s.discussion.ListComments(r.Context(), postID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(threads))
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(s.discussion.Probe(r.Context(), postID)))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	actorID := actorFromQuery(r)
	if err := s.discussion.DeletePost(r.Context(), postID, actorID, util.TraceIDFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(nil))
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	actorID := actorFromQuery(r)
	if err := s.discussion.DeleteComment(r.Context(), commentID, actorID, util.TraceIDFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(nil))
}

func (s *Server) handleLockPost(w http.ResponseWriter, r *http.Request) {
	s.handlePostLockChange(w, r, true)
}

func (s *Server) handleUnlockPost(w http.ResponseWriter, r *http.Request) {
	s.handlePostLockChange(w, r, false)
}

func (s *Server) handlePostLockChange(w http.ResponseWriter, r *http.Request, lock bool) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	actorID := actorFromQuery(r)
	traceID := util.TraceIDFromContext(r.Context())
	if lock {
		err = s.discussion.LockPost(r.Context(), postID, actorID, traceID)
	} else {
		err = s.discussion.UnlockPost(r.Context(), postID, actorID, traceID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(nil))
}

func (s *Server) handleCreateReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResourceType   string `json:"resource_type"`
		ResourceID     int64  `json:"resource_id"`
		ReactorID      int64  `json:"reactor_id"`
		ReactionType   string `json:"reaction_type"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	reaction, err := s.discussion.CreateReaction(r.Context(), discussion.CreateReactionInput{
		ResourceType:   body.ResourceType,
		ResourceID:     body.ResourceID,
		ReactorID:      body.ReactorID,
		ReactionType:   body.ReactionType,
		IdempotencyKey: body.IdempotencyKey,
		ClientIP:       util.ClientIP(r, s.trustForwarded),
		UserAgent:      r.UserAgent(),
		TraceID:        util.TraceIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(reaction))
}

// actorFromQuery reads the acting user for signed endpoints, where identity
// arrives as a business parameter covered by the signature.
func actorFromQuery(r *http.Request) int64 {
	id, _ := parseInt64(r.URL.Query().Get("actor_id"))
	return id
}
