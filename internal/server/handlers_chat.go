package server

import (
	"net/http"
	"strconv"

	"threadhub/internal/apperr"
	"threadhub/internal/chat"
	"threadhub/internal/keys"
	"threadhub/internal/util"
)

func (s *Server) handleCreatePrivate(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		PeerID int64 `json:"peer_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	conv, err := s.chat.CreatePrivateConversation(r.Context(), userID, body.PeerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(conv))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		Name      string  `json:"name"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	conv, err := s.chat.CreateGroupConversation(r.Context(), userID, body.Name, body.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(conv))
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request, userID int64) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.chat.InviteToGroup(r.Context(), convID, userID, body.MemberIDs); err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(nil))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, userID int64) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.chat.LeaveGroup(r.Context(), convID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(nil))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, userID int64) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.chat.DeleteConversation(r.Context(), convID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(nil))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID int64) {
	convs, err := s.chat.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(convs))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID int64) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _ := parseInt64(r.URL.Query().Get("limit"))
	offset, _ := parseInt64(r.URL.Query().Get("offset"))
	msgs, err := s.chat.History(r.Context(), convID, userID, int(limit), int(offset))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(msgs))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID int64) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Type     string  `json:"type"`
		Content  string  `json:"content"`
		FileURL  *string `json:"file_url"`
		FileName *string `json:"file_name"`
		FileSize *int64  `json:"file_size"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Type == "" {
		body.Type = chat.MessageText
	}
	msg, err := s.chat.SendMessage(r.Context(), chat.SendMessageInput{
		ConversationID: convID,
		SenderID:       userID,
		Type:           body.Type,
		Content:        body.Content,
		FileURL:        body.FileURL,
		FileName:       body.FileName,
		FileSize:       body.FileSize,
		TraceID:        util.TraceIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(msg))
}

func (s *Server) handleSessionKey(w http.ResponseWriter, r *http.Request, userID int64) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := s.sessionKey.Issue(userID, convID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(map[string]string{"session_key": value}))
}

func (s *Server) handleIssueTempKey(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		Username string         `json:"username"`
		KeyType  string         `json:"key_type"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	issued, err := s.tempKeys.Issue(r.Context(), keys.IssueInput{
		UserID:    userID,
		Username:  body.Username,
		UserAgent: r.UserAgent(),
		KeyType:   body.KeyType,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(map[string]any{
		"key":        issued.Raw,
		"display":    issued.Display,
		"expires_at": issued.ExpiresAt,
	}))
}

func (s *Server) handleConsumeTempKey(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	consumed, err := s.tempKeys.Consume(r.Context(), body.Key, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, apperr.OK(consumed))
}

func parseInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
