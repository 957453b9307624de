package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presence-service/internal/mocks"
	"presence-service/internal/models"
	"presence-service/internal/registry"
	"presence-service/internal/repositories"
	"presence-service/internal/rooms"
)

type fakeConn struct {
	userID int

	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	name    string
	payload any
}

func (f *fakeConn) UserID() int { return f.userID }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{name: event, payload: payload})
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeConn) payloadsOf(event string) []any {
	var out []any
	for _, e := range f.sent() {
		if e.name == event {
			out = append(out, e.payload)
		}
	}
	return out
}

type fixture struct {
	chatRepo        *mocks.ChatRepositoryMock
	messageRepo     *mocks.MessageRepositoryMock
	participantRepo *mocks.ParticipantRepositoryMock
	registry        *registry.Registry
	rooms           *rooms.Router
	dispatcher      *Dispatcher
}

func newFixture() *fixture {
	chatRepo := new(mocks.ChatRepositoryMock)
	messageRepo := new(mocks.MessageRepositoryMock)
	participantRepo := new(mocks.ParticipantRepositoryMock)
	logger := zap.NewNop().Sugar()

	reg := registry.New()
	router := rooms.NewRouter(chatRepo, reg, logger)
	unread := NewUnreadService(participantRepo)

	return &fixture{
		chatRepo:        chatRepo,
		messageRepo:     messageRepo,
		participantRepo: participantRepo,
		registry:        reg,
		rooms:           router,
		dispatcher:      NewDispatcher(chatRepo, messageRepo, unread, reg, router, logger),
	}
}

var testChat = models.Chat{ID: 5, User1ID: 1, User2ID: 2}

// Sending to an online recipient persists, increments their counter and
// pushes message, per-chat count, and global flag.
func TestSendMessageToOnlineRecipient(t *testing.T) {
	f := newFixture()

	sender := &fakeConn{userID: 1}
	recipient := &fakeConn{userID: 2}
	f.registry.Admit(sender)
	f.registry.Admit(recipient)
	f.rooms.Join(5, sender)
	f.rooms.Join(5, recipient)

	saved := models.Message{ID: 7, ChatID: 5, SenderID: 1, Text: "hi"}
	f.chatRepo.On("GetChat", mock.Anything, 5).Return(testChat, nil).Once()
	f.messageRepo.On("SaveMessage", mock.Anything, 5, 1, "hi").Return(saved, nil).Once()
	f.chatRepo.On("TouchChat", mock.Anything, 5).Return(nil).Once()
	f.participantRepo.On("GetParticipant", mock.Anything, 5, 1).Return(models.Participant{ChatID: 5, UserID: 1, UnreadCount: 0}, nil).Once()
	f.participantRepo.On("IncrementUnread", mock.Anything, 5, 2).Return(1, nil).Once()
	f.participantRepo.On("HasAnyUnread", mock.Anything, 2).Return(true, nil).Once()

	msg, err := f.dispatcher.SendMessage(context.Background(), 5, 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, saved, msg)

	assert.Equal(t,
		[]any{models.NewMessagePayload{ChatID: 5, Message: &saved}},
		recipient.payloadsOf(models.EventMessageReceived))
	assert.Equal(t,
		[]any{models.UnreadUpdatePayload{ChatID: 5, Unread: 1}},
		recipient.payloadsOf(models.EventUnreadUpdate))
	assert.Equal(t,
		[]any{models.GlobalUnreadPayload{HasUnread: true}},
		recipient.payloadsOf(models.EventNewUnreadGlobal))

	// Both room members get the echo; the sender gets no unread events.
	assert.Len(t, sender.payloadsOf(models.EventNewMessage), 1)
	assert.Len(t, recipient.payloadsOf(models.EventNewMessage), 1)
	assert.Empty(t, sender.payloadsOf(models.EventUnreadUpdate))

	f.chatRepo.AssertExpectations(t)
	f.messageRepo.AssertExpectations(t)
	f.participantRepo.AssertExpectations(t)
	f.participantRepo.AssertNotCalled(t, "ResetUnread", mock.Anything, 5, 1)
}

// Repeated sends increment the recipient by exactly one each and leave
// the sender's counter untouched.
func TestSendMessageIncrementAccuracy(t *testing.T) {
	f := newFixture()

	f.chatRepo.On("GetChat", mock.Anything, 5).Return(testChat, nil).Times(3)
	f.chatRepo.On("TouchChat", mock.Anything, 5).Return(nil).Times(3)
	f.participantRepo.On("GetParticipant", mock.Anything, 5, 1).Return(models.Participant{ChatID: 5, UserID: 1}, nil).Times(3)
	for i := 1; i <= 3; i++ {
		f.messageRepo.On("SaveMessage", mock.Anything, 5, 1, "hello").Return(models.Message{ID: i, ChatID: 5, SenderID: 1, Text: "hello"}, nil).Once()
		f.participantRepo.On("IncrementUnread", mock.Anything, 5, 2).Return(i, nil).Once()
	}
	f.participantRepo.On("HasAnyUnread", mock.Anything, 2).Return(true, nil).Times(3)

	for i := 0; i < 3; i++ {
		_, err := f.dispatcher.SendMessage(context.Background(), 5, 1, "hello")
		require.NoError(t, err)
	}

	f.participantRepo.AssertExpectations(t)
	f.participantRepo.AssertNotCalled(t, "ResetUnread", mock.Anything, mock.Anything, mock.Anything)
}

// An offline recipient accumulates unread state with no pushes; the
// count is recovered through get_global_unread on reconnect.
func TestSendMessageToOfflineRecipient(t *testing.T) {
	f := newFixture()

	saved := models.Message{ID: 9, ChatID: 5, SenderID: 1, Text: "ping"}
	f.chatRepo.On("GetChat", mock.Anything, 5).Return(testChat, nil).Once()
	f.messageRepo.On("SaveMessage", mock.Anything, 5, 1, "ping").Return(saved, nil).Once()
	f.chatRepo.On("TouchChat", mock.Anything, 5).Return(nil).Once()
	f.participantRepo.On("GetParticipant", mock.Anything, 5, 1).Return(models.Participant{ChatID: 5, UserID: 1}, nil).Once()
	f.participantRepo.On("IncrementUnread", mock.Anything, 5, 2).Return(3, nil).Once()
	f.participantRepo.On("HasAnyUnread", mock.Anything, 2).Return(true, nil).Once()

	_, err := f.dispatcher.SendMessage(context.Background(), 5, 1, "ping")
	require.NoError(t, err)

	assert.Empty(t, f.registry.ConnectionsFor(2), "no connections, no push targets")
	f.participantRepo.AssertExpectations(t)
}

// A sender replying with their own unread backlog gets it cleared and
// re-announced.
func TestSendMessageResetsSenderBacklog(t *testing.T) {
	f := newFixture()

	sender := &fakeConn{userID: 1}
	f.registry.Admit(sender)

	saved := models.Message{ID: 11, ChatID: 5, SenderID: 1, Text: "reply"}
	f.chatRepo.On("GetChat", mock.Anything, 5).Return(testChat, nil).Once()
	f.messageRepo.On("SaveMessage", mock.Anything, 5, 1, "reply").Return(saved, nil).Once()
	f.chatRepo.On("TouchChat", mock.Anything, 5).Return(nil).Once()
	f.participantRepo.On("GetParticipant", mock.Anything, 5, 1).Return(models.Participant{ChatID: 5, UserID: 1, UnreadCount: 4}, nil).Once()
	f.participantRepo.On("ResetUnread", mock.Anything, 5, 1).Return(nil).Once()
	f.participantRepo.On("HasAnyUnread", mock.Anything, 1).Return(false, nil).Once()
	f.participantRepo.On("IncrementUnread", mock.Anything, 5, 2).Return(1, nil).Once()
	f.participantRepo.On("HasAnyUnread", mock.Anything, 2).Return(true, nil).Once()

	_, err := f.dispatcher.SendMessage(context.Background(), 5, 1, "reply")
	require.NoError(t, err)

	assert.Equal(t,
		[]any{models.UnreadUpdatePayload{ChatID: 5, Unread: 0}},
		sender.payloadsOf(models.EventUnreadUpdate))
	assert.Equal(t,
		[]any{models.GlobalUnreadPayload{HasUnread: false}},
		sender.payloadsOf(models.EventNewUnreadGlobal))
	f.participantRepo.AssertExpectations(t)
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	f := newFixture()

	_, err := f.dispatcher.SendMessage(context.Background(), 5, 1, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	f.messageRepo.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	f := newFixture()

	f.chatRepo.On("GetChat", mock.Anything, 5).Return(testChat, nil).Once()

	_, err := f.dispatcher.SendMessage(context.Background(), 5, 99, "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)
	f.messageRepo.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.participantRepo.AssertNotCalled(t, "IncrementUnread", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageUnknownChat(t *testing.T) {
	f := newFixture()

	f.chatRepo.On("GetChat", mock.Anything, 404).Return(models.Chat{}, repositories.ErrChatNotFound).Once()

	_, err := f.dispatcher.SendMessage(context.Background(), 404, 1, "hi")
	assert.ErrorIs(t, err, repositories.ErrChatNotFound)
}

// A persistence failure aborts the whole send: no counter mutation, no
// fan-out.
func TestSendMessagePersistFailureAbortsFanOut(t *testing.T) {
	f := newFixture()

	recipient := &fakeConn{userID: 2}
	f.registry.Admit(recipient)

	f.chatRepo.On("GetChat", mock.Anything, 5).Return(testChat, nil).Once()
	f.messageRepo.On("SaveMessage", mock.Anything, 5, 1, "hi").Return(models.Message{}, assert.AnError).Once()

	_, err := f.dispatcher.SendMessage(context.Background(), 5, 1, "hi")
	require.Error(t, err)

	assert.Empty(t, recipient.sent())
	f.participantRepo.AssertNotCalled(t, "IncrementUnread", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkReadResetsAndPushesGlobalFlag(t *testing.T) {
	f := newFixture()

	reader := &fakeConn{userID: 2}
	f.registry.Admit(reader)

	f.participantRepo.On("ResetUnread", mock.Anything, 5, 2).Return(nil).Once()
	f.participantRepo.On("HasAnyUnread", mock.Anything, 2).Return(false, nil).Once()

	require.NoError(t, f.dispatcher.MarkRead(context.Background(), 5, 2))

	assert.Equal(t,
		[]any{models.UnreadUpdatePayload{ChatID: 5, Unread: 0}},
		reader.payloadsOf(models.EventUnreadUpdate))
	assert.Equal(t,
		[]any{models.GlobalUnreadPayload{HasUnread: false}},
		reader.payloadsOf(models.EventNewUnreadGlobal))
	f.participantRepo.AssertExpectations(t)
}

// The global flag stays true while any other chat still has unread.
func TestMarkReadKeepsGlobalFlagWhenOtherChatUnread(t *testing.T) {
	f := newFixture()

	reader := &fakeConn{userID: 2}
	f.registry.Admit(reader)

	f.participantRepo.On("ResetUnread", mock.Anything, 5, 2).Return(nil).Once()
	f.participantRepo.On("HasAnyUnread", mock.Anything, 2).Return(true, nil).Once()

	require.NoError(t, f.dispatcher.MarkRead(context.Background(), 5, 2))

	assert.Equal(t,
		[]any{models.GlobalUnreadPayload{HasUnread: true}},
		reader.payloadsOf(models.EventNewUnreadGlobal))
}

func TestMarkReadUnknownChat(t *testing.T) {
	f := newFixture()

	f.participantRepo.On("ResetUnread", mock.Anything, 404, 2).Return(repositories.ErrParticipantNotFound).Once()

	err := f.dispatcher.MarkRead(context.Background(), 404, 2)
	assert.ErrorIs(t, err, repositories.ErrChatNotFound)
}

func TestGetTotalUnread(t *testing.T) {
	f := newFixture()

	f.participantRepo.On("SumUnread", mock.Anything, 2).Return(7, nil).Once()

	total, err := f.dispatcher.GetTotalUnread(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
}

func TestRelayTypingExcludesTypist(t *testing.T) {
	f := newFixture()

	typist := &fakeConn{userID: 1}
	peer := &fakeConn{userID: 2}
	f.rooms.Join(5, typist)
	f.rooms.Join(5, peer)

	f.dispatcher.RelayTyping(5, 1, false, typist)
	f.dispatcher.RelayTyping(5, 1, true, typist)

	assert.Empty(t, typist.sent())
	require.Len(t, peer.sent(), 2)
	assert.Equal(t, models.EventTyping, peer.sent()[0].name)
	assert.Equal(t, models.EventStopTyping, peer.sent()[1].name)
}
