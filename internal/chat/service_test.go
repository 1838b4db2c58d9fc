package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"threadhub/internal/apperr"
	"threadhub/internal/store"
	"threadhub/internal/util"
)

type fakePresence struct {
	mu       sync.Mutex
	sessions map[int64][]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{sessions: make(map[int64][]string)}
}

func (p *fakePresence) connect(userID int64, handles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[userID] = append(p.sessions[userID], handles...)
}

func (p *fakePresence) disconnectAll(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, userID)
}

func (p *fakePresence) IsOnline(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[userID]) > 0
}

func (p *fakePresence) Sessions(userID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sessions[userID]...)
}

type recordingSender struct {
	mu       sync.Mutex
	failures int
	sent     map[string][]MessageView
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]MessageView)}
}

func (s *recordingSender) Send(handle string, msg MessageView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transport backpressure")
	}
	s.sent[handle] = append(s.sent[handle], msg)
	return nil
}

func (s *recordingSender) frames(handle string) []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageView(nil), s.sent[handle]...)
}

func newChatService(t *testing.T) (*Service, *gorm.DB, *fakePresence, *recordingSender, *util.ManualClock) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	presence := newFakePresence()
	sender := newRecordingSender()
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Options{DB: db, Presence: presence, Sender: sender, Clock: clock})
	return svc, db, presence, sender, clock
}

func TestCreatePrivateConversationIdempotent(t *testing.T) {
	svc, _, _, _, _ := newChatService(t)
	ctx := context.Background()

	first, err := svc.CreatePrivateConversation(ctx, 400, 500)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Kind != KindPrivate {
		t.Fatalf("unexpected kind: %q", first.Kind)
	}

	// Reversed argument order resolves to the same conversation.
	again, err := svc.CreatePrivateConversation(ctx, 500, 400)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("pair should map to one conversation: %d vs %d", again.ID, first.ID)
	}

	if _, err := svc.CreatePrivateConversation(ctx, 400, 400); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("self conversation should be 400, got %v", err)
	}
}

func TestCreateGroupConversationDeduplicatesMembers(t *testing.T) {
	svc, db, _, _, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreateGroupConversation(ctx, 1, "team", []int64{2, 3, 3, 1})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	var count int64
	if err := db.Model(&store.ConversationMemberModel{}).
		Where("conversation_id = ? AND left_at IS NULL", conv.ID).
		Count(&count).Error; err != nil {
		t.Fatalf("count members: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 active members (owner + 2), got %d", count)
	}

	if _, err := svc.CreateGroupConversation(ctx, 1, "  ", nil); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatal("blank name should be 400")
	}
}

func TestInviteToGroup(t *testing.T) {
	svc, db, _, _, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreateGroupConversation(ctx, 1, "team", []int64{2})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	if err := svc.InviteToGroup(ctx, conv.ID, 9, []int64{4}); apperr.CodeOf(err) != apperr.CodeUnprocessable {
		t.Fatalf("non-member inviter should be 422, got %v", err)
	}

	if err := svc.InviteToGroup(ctx, conv.ID, 1, []int64{2, 4, 4}); err != nil {
		t.Fatalf("invite: %v", err)
	}

	var count int64
	if err := db.Model(&store.ConversationMemberModel{}).
		Where("conversation_id = ? AND left_at IS NULL", conv.ID).
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 active members, got %d", count)
	}

	// A departed member can be re-invited with a fresh row.
	if err := svc.LeaveGroup(ctx, conv.ID, 4); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := svc.InviteToGroup(ctx, conv.ID, 1, []int64{4}); err != nil {
		t.Fatalf("re-invite: %v", err)
	}
	var rows int64
	if err := db.Model(&store.ConversationMemberModel{}).
		Where("conversation_id = ? AND user_id = ?", conv.ID, 4).
		Count(&rows).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 2 {
		t.Fatalf("re-invite should add a fresh row, got %d", rows)
	}
}

func TestLeaveGroupOwnerRejected(t *testing.T) {
	svc, _, _, _, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreateGroupConversation(ctx, 1, "team", []int64{2})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := svc.LeaveGroup(ctx, conv.ID, 1); apperr.CodeOf(err) != apperr.CodeUnprocessable {
		t.Fatalf("owner leave should be 422, got %v", err)
	}
	if err := svc.LeaveGroup(ctx, conv.ID, 2); err != nil {
		t.Fatalf("member leave: %v", err)
	}
	if err := svc.LeaveGroup(ctx, conv.ID, 2); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("double leave should be 404, got %v", err)
	}
}

func TestSendMessageSpoolsOfflineMembers(t *testing.T) {
	svc, db, presence, sender, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreatePrivateConversation(ctx, 400, 500)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// User 500 offline, 400 online sending.
	presence.connect(400, "s-400")

	msg, err := svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: 400, Type: MessageText, Content: "hi",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var spool []store.OfflineMessageModel
	if err := db.Where("user_id = ?", 500).Find(&spool).Error; err != nil {
		t.Fatalf("load spool: %v", err)
	}
	if len(spool) != 1 || spool[0].MessageID != msg.ID {
		t.Fatalf("expected one spool row for (500, %d), got %+v", msg.ID, spool)
	}
	// Sender never receives their own message back.
	if frames := sender.frames("s-400"); len(frames) != 0 {
		t.Fatalf("sender should not be fanned out to, got %v", frames)
	}

	// User 500 connects: drain delivers then clears the spool.
	presence.connect(500, "s-500")
	if err := svc.DrainOffline(ctx, 500); err != nil {
		t.Fatalf("drain: %v", err)
	}
	frames := sender.frames("s-500")
	if len(frames) != 1 || frames[0].ID != msg.ID || frames[0].Content != "hi" {
		t.Fatalf("unexpected drained frames: %+v", frames)
	}
	var left int64
	if err := db.Model(&store.OfflineMessageModel{}).Where("user_id = ?", 500).Count(&left).Error; err != nil {
		t.Fatalf("count spool: %v", err)
	}
	if left != 0 {
		t.Fatalf("spool should be empty after drain, %d rows left", left)
	}
}

func TestSendMessageFansOutToOnlineSessions(t *testing.T) {
	svc, db, presence, sender, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreatePrivateConversation(ctx, 400, 500)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	presence.connect(500, "s-500-a", "s-500-b")

	msg, err := svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: 400, Type: MessageText, Content: "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, handle := range []string{"s-500-a", "s-500-b"} {
		frames := sender.frames(handle)
		if len(frames) != 1 || frames[0].ID != msg.ID {
			t.Fatalf("session %s should get one frame, got %+v", handle, frames)
		}
	}
	var spool int64
	if err := db.Model(&store.OfflineMessageModel{}).Count(&spool).Error; err != nil {
		t.Fatalf("count spool: %v", err)
	}
	if spool != 0 {
		t.Fatalf("online recipient must not be spooled, %d rows", spool)
	}
}

func TestSendMessageDeliveryFailureDoesNotRollBack(t *testing.T) {
	svc, db, presence, sender, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreatePrivateConversation(ctx, 400, 500)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	presence.connect(500, "s-500")
	sender.failures = 1

	msg, err := svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: 400, Type: MessageText, Content: "dropped frame",
	})
	if err != nil {
		t.Fatalf("send should succeed despite transport failure: %v", err)
	}

	var m store.MessageModel
	if err := db.Where("id = ?", msg.ID).First(&m).Error; err != nil {
		t.Fatalf("message should be durable: %v", err)
	}
	// The missed frame is recovered via history, not the spool.
	var spool int64
	if err := db.Model(&store.OfflineMessageModel{}).Count(&spool).Error; err != nil {
		t.Fatalf("count spool: %v", err)
	}
	if spool != 0 {
		t.Fatalf("failed online delivery must not create spool rows, got %d", spool)
	}
}

func TestDrainFailureKeepsSpool(t *testing.T) {
	svc, db, presence, sender, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreatePrivateConversation(ctx, 400, 500)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID, SenderID: 400, Type: MessageText, Content: "offline msg",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	presence.connect(500, "s-500")
	sender.failures = 1
	if err := svc.DrainOffline(ctx, 500); err == nil {
		t.Fatal("drain should fail when delivery fails")
	}

	var left int64
	if err := db.Model(&store.OfflineMessageModel{}).Where("user_id = ?", 500).Count(&left).Error; err != nil {
		t.Fatalf("count spool: %v", err)
	}
	if left != 1 {
		t.Fatalf("spool should survive a failed drain, got %d", left)
	}

	// Next drain succeeds and delivers the spooled message.
	if err := svc.DrainOffline(ctx, 500); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if frames := sender.frames("s-500"); len(frames) != 1 {
		t.Fatalf("expected the message after retry, got %+v", frames)
	}
}

func TestDrainDeliversAscendingOrder(t *testing.T) {
	svc, db, presence, sender, clock := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreatePrivateConversation(ctx, 400, 500)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i, content := range []string{"one", "two", "three"} {
		clock.Advance(time.Duration(i+1) * time.Second)
		if _, err := svc.SendMessage(ctx, SendMessageInput{
			ConversationID: conv.ID, SenderID: 400, Type: MessageText, Content: content,
		}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	presence.connect(500, "s-500")
	if err := svc.DrainOffline(ctx, 500); err != nil {
		t.Fatalf("drain: %v", err)
	}
	frames := sender.frames("s-500")
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].ID <= frames[i-1].ID {
			t.Fatalf("frames out of order: %+v", frames)
		}
	}

	var left int64
	if err := db.Model(&store.OfflineMessageModel{}).Count(&left).Error; err != nil {
		t.Fatalf("count spool: %v", err)
	}
	if left != 0 {
		t.Fatalf("spool should be empty, got %d", left)
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _, _, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreatePrivateConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 1, Type: "carrier-pigeon", Content: "x"}); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatal("unknown type should be 400")
	}
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 1, Type: MessageText, Content: ""}); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatal("empty content should be 400")
	}
	big := int64(maxFileSize + 1)
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 1, Type: MessageFile, Content: "f", FileSize: &big}); apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatal("oversized file should be 400")
	}
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 9, Type: MessageText, Content: "x"}); apperr.CodeOf(err) != apperr.CodeUnprocessable {
		t.Fatal("non-member sender should be 422")
	}
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: 999, SenderID: 1, Type: MessageText, Content: "x"}); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatal("missing conversation should be 404")
	}
}

func TestHistoryAndPastMemberRead(t *testing.T) {
	svc, _, _, _, clock := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreateGroupConversation(ctx, 1, "team", []int64{2, 3})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, content := range []string{"a", "b", "c"} {
		clock.Advance(time.Second)
		if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 1, Type: MessageText, Content: content}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	if err := svc.LeaveGroup(ctx, conv.ID, 3); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// Past member may still read.
	msgs, err := svc.History(ctx, conv.ID, 3, 10, 0)
	if err != nil {
		t.Fatalf("history for past member: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "c" || msgs[2].Content != "a" {
		t.Fatalf("history should be newest first: %+v", msgs)
	}

	if _, err := svc.History(ctx, conv.ID, 42, 10, 0); apperr.CodeOf(err) != apperr.CodeUnprocessable {
		t.Fatal("never-member should be 422")
	}

	page, err := svc.History(ctx, conv.ID, 1, 1, 1)
	if err != nil {
		t.Fatalf("paged history: %v", err)
	}
	if len(page) != 1 || page[0].Content != "b" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	svc, _, _, _, clock := newChatService(t)
	ctx := context.Background()

	first, err := svc.CreatePrivateConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	clock.Advance(time.Second)
	second, err := svc.CreatePrivateConversation(ctx, 1, 3)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	// Activity in the older conversation bumps it to the top.
	clock.Advance(time.Second)
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: first.ID, SenderID: 1, Type: MessageText, Content: "bump"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	convs, err := svc.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != first.ID || convs[1].ID != second.ID {
		t.Fatalf("unexpected order: %d %d", convs[0].ID, convs[1].ID)
	}
}

func TestDeleteConversation(t *testing.T) {
	svc, db, _, _, _ := newChatService(t)
	ctx := context.Background()

	conv, err := svc.CreateGroupConversation(ctx, 1, "team", []int64{2})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 1, Type: MessageText, Content: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := svc.DeleteConversation(ctx, conv.ID, 2); apperr.CodeOf(err) != apperr.CodeUnprocessable {
		t.Fatal("non-owner delete should be 422")
	}
	if err := svc.DeleteConversation(ctx, conv.ID, 1); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if err := svc.DeleteConversation(ctx, conv.ID, 1); apperr.CodeOf(err) != apperr.CodeGone {
		t.Fatalf("re-delete should be 410, got %v", err)
	}

	var liveMessages, spool int64
	if err := db.Model(&store.MessageModel{}).Where("conversation_id = ? AND deleted_at IS NULL", conv.ID).Count(&liveMessages).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if err := db.Model(&store.OfflineMessageModel{}).Count(&spool).Error; err != nil {
		t.Fatalf("count spool: %v", err)
	}
	if liveMessages != 0 || spool != 0 {
		t.Fatalf("cascade incomplete: %d messages, %d spool rows", liveMessages, spool)
	}

	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: 1, Type: MessageText, Content: "x"}); apperr.CodeOf(err) != apperr.CodeGone {
		t.Fatal("send to deleted conversation should be 410")
	}
}
