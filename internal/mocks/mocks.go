package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"presence-service/internal/models"
	"presence-service/internal/repositories"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreateOrGetChat(ctx context.Context, userID int, friendID int) (models.Chat, bool, error) {
	args := m.Called(ctx, userID, friendID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Bool(1), args.Error(2)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ChatSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatSummary)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) TouchChat(ctx context.Context, chatID int) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

type ParticipantRepositoryMock struct {
	mock.Mock
}

func (m *ParticipantRepositoryMock) GetParticipant(ctx context.Context, chatID int, userID int) (models.Participant, error) {
	args := m.Called(ctx, chatID, userID)
	var p models.Participant
	if val := args.Get(0); val != nil {
		p = val.(models.Participant)
	}
	return p, args.Error(1)
}

func (m *ParticipantRepositoryMock) IncrementUnread(ctx context.Context, chatID int, userID int) (int, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Int(0), args.Error(1)
}

func (m *ParticipantRepositoryMock) ResetUnread(ctx context.Context, chatID int, userID int) error {
	args := m.Called(ctx, chatID, userID)
	return args.Error(0)
}

func (m *ParticipantRepositoryMock) SumUnread(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *ParticipantRepositoryMock) HasAnyUnread(ctx context.Context, userID int) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) SaveMessage(ctx context.Context, chatID int, senderID int, text string) (models.Message, error) {
	args := m.Called(ctx, chatID, senderID, text)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, chatID int, limit int, offset int) ([]models.Message, error) {
	args := m.Called(ctx, chatID, limit, offset)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

var _ repositories.ChatRepository = (*ChatRepositoryMock)(nil)
var _ repositories.ParticipantRepository = (*ParticipantRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
