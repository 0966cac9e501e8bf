package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorly/chat-service/internal/logger"
	"github.com/creatorly/chat-service/internal/protocol"
	"github.com/creatorly/chat-service/pkg/models"
)

type memMessageRepo struct {
	byID      map[string]*models.Message
	order     []string
	insertErr error
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{byID: map[string]*models.Message{}}
}

func (r *memMessageRepo) Insert(_ context.Context, m *models.Message) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	cp := *m
	r.byID[m.ID] = &cp
	r.order = append(r.order, m.ID)
	return nil
}

func (r *memMessageRepo) GetByID(_ context.Context, id string) (*models.Message, error) {
	m, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memMessageRepo) List(_ context.Context, chatID string, limit int64, _ time.Time) ([]*models.Message, error) {
	out := []*models.Message{}
	for _, id := range r.order {
		if m := r.byID[id]; m != nil && m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}

func (r *memMessageRepo) Edit(_ context.Context, id, content string) error {
	m, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.Content = content
	m.Edited = true
	return nil
}

func (r *memMessageRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	return nil
}

type memChatRepo struct {
	chats map[string]*models.Chat
}

func (r *memChatRepo) Get(_ context.Context, chatID string) (*models.Chat, error) {
	c, ok := r.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *memChatRepo) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	c, ok := r.chats[chatID]
	if !ok {
		return false, nil
	}
	return c.HasParticipant(userID), nil
}

type recordedBroadcast struct {
	chatID  string
	env     *protocol.Envelope
	exclude string
}

type spyBroadcaster struct {
	calls []recordedBroadcast
}

func (b *spyBroadcaster) Broadcast(chatID string, env *protocol.Envelope, exclude string) {
	b.calls = append(b.calls, recordedBroadcast{chatID: chatID, env: env, exclude: exclude})
}

func newFixture() (*MessageService, *memMessageRepo, *spyBroadcaster) {
	messages := newMemMessageRepo()
	chats := &memChatRepo{chats: map[string]*models.Chat{
		"7": {ID: "7", Participants: []string{"alice", "bob"}},
	}}
	fanout := &spyBroadcaster{}
	svc := NewMessageService(messages, chats, fanout, nil, nil, logger.Nop())
	return svc, messages, fanout
}

func TestCreateAssignsIDAndBroadcastsOnce(t *testing.T) {
	svc, messages, fanout := newFixture()

	m, err := svc.Create(context.Background(), "alice", CreateInput{ChatID: "7", Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "alice", m.SenderID)
	assert.False(t, m.CreatedAt.IsZero())

	stored, err := messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Content)

	require.Len(t, fanout.calls, 1)
	call := fanout.calls[0]
	assert.Equal(t, "7", call.chatID)
	assert.Equal(t, protocol.EventNewMessage, call.env.Type)
	assert.Equal(t, m.ID, call.env.Message.ID)
	assert.Equal(t, "alice", call.exclude, "sender gets the message from the write response")
}

func TestCreateRejectsNonMember(t *testing.T) {
	svc, _, fanout := newFixture()

	_, err := svc.Create(context.Background(), "mallory", CreateInput{ChatID: "7", Content: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, fanout.calls)
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newFixture()

	_, err := svc.Create(context.Background(), "alice", CreateInput{Content: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(context.Background(), "alice", CreateInput{ChatID: "7"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// media-only messages are fine
	_, err = svc.Create(context.Background(), "alice", CreateInput{ChatID: "7", MediaURL: "https://cdn.local/x.png", MediaMime: "image/png", MediaSize: 1024})
	assert.NoError(t, err)
}

func TestFailedInsertProducesNoBroadcast(t *testing.T) {
	svc, messages, fanout := newFixture()
	messages.insertErr = errors.New("store down")

	_, err := svc.Create(context.Background(), "alice", CreateInput{ChatID: "7", Content: "hi"})
	require.Error(t, err)
	assert.Empty(t, fanout.calls)
}

func TestDeleteBroadcastsAndIsSenderOnly(t *testing.T) {
	svc, _, fanout := newFixture()

	m, err := svc.Create(context.Background(), "alice", CreateInput{ChatID: "7", Content: "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(context.Background(), "bob", m.ID), ErrForbidden)

	require.NoError(t, svc.Delete(context.Background(), "alice", m.ID))
	require.Len(t, fanout.calls, 2)
	del := fanout.calls[1]
	assert.Equal(t, protocol.EventMessageDeleted, del.env.Type)
	assert.Equal(t, m.ID, del.env.MessageID)

	// already gone: surfaces not-found to the caller, still no broadcast
	err = svc.Delete(context.Background(), "alice", m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, fanout.calls, 2)
}

func TestEditSetsFlagWithoutBroadcast(t *testing.T) {
	svc, messages, fanout := newFixture()

	m, err := svc.Create(context.Background(), "alice", CreateInput{ChatID: "7", Content: "hi"})
	require.NoError(t, err)

	_, err = svc.Edit(context.Background(), "bob", m.ID, "fixed")
	assert.ErrorIs(t, err, ErrForbidden)

	edited, err := svc.Edit(context.Background(), "alice", m.ID, "fixed")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "fixed", edited.Content)

	stored, err := messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed", stored.Content)

	assert.Len(t, fanout.calls, 1, "edits do not broadcast")
}

func TestListIsRosterGatedAndChronological(t *testing.T) {
	svc, _, _ := newFixture()

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.Create(context.Background(), "alice", CreateInput{ChatID: "7", Content: text})
		require.NoError(t, err)
	}

	msgs, err := svc.List(context.Background(), "bob", "7", 50, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)

	_, err = svc.List(context.Background(), "mallory", "7", 50, time.Time{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMembers(t *testing.T) {
	svc, _, _ := newFixture()

	members, err := svc.Members(context.Background(), "alice", "7")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	_, err = svc.Members(context.Background(), "mallory", "7")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Members(context.Background(), "alice", "404")
	assert.ErrorIs(t, err, ErrNotFound)
}
