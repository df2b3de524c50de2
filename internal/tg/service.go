package tg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pvzzle/cryptopay/internal/bus"
	"github.com/pvzzle/cryptopay/internal/payment"
	"github.com/pvzzle/cryptopay/internal/storage"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

const (
	cbLookup  = "lookup"
	cbSession = "session"
	cbHistory = "history"
	cbBack    = "back_main"

	historyLimit = 10
)

// Payments is the read side of the payment service the bot exposes to operators.
type Payments interface {
	Payment(ctx context.Context, txHash string) (storage.Payment, error)
	LookupSession(id string) (payment.Response, bool)
}

type History interface {
	ListRecentPayments(ctx context.Context, limit int) ([]storage.Payment, error)
}

type Service struct {
	bot *tgbot.Bot

	payments Payments
	history  History

	notifyCh <-chan bus.Notification

	// operatorChat is the only chat the bot answers; 0 answers nobody.
	operatorChat int64

	state  *StateStore
	logger *zap.Logger
}

func NewService(
	b *tgbot.Bot,
	payments Payments,
	history History,
	notifyCh <-chan bus.Notification,
	operatorChat int64,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		bot:          b,
		payments:     payments,
		history:      history,
		notifyCh:     notifyCh,
		operatorChat: operatorChat,
		state:        NewStateStore(),
		logger:       logger,
	}
	s.registerHandlers()
	return s
}

func (s *Service) registerHandlers() {
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, s.onStart)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/payment", tgbot.MatchTypePrefix, s.onPaymentCmd)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/history", tgbot.MatchTypePrefix, s.onHistoryCmd)

	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbLookup, tgbot.MatchTypeExact, s.onCbLookup)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbSession, tgbot.MatchTypeExact, s.onCbSession)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbHistory, tgbot.MatchTypeExact, s.onCbHistory)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbBack, tgbot.MatchTypeExact, s.onCbBack)

	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "", tgbot.MatchTypePrefix, s.onAnyText)
}

func (s *Service) StartNotifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.notifyCh:
			_, err := s.bot.SendMessage(ctx, &tgbot.SendMessageParams{
				ChatID: n.ChatID,
				Text:   n.Text,
			})
			if err != nil {
				s.logger.Error("send notification", zap.Int64("chat_id", n.ChatID), zap.Error(err))
			}
		}
	}
}

func (s *Service) allowed(chatID int64) bool {
	return s.operatorChat != 0 && chatID == s.operatorChat
}

var mainMenu = &models.InlineKeyboardMarkup{
	InlineKeyboard: [][]models.InlineKeyboardButton{
		{
			{Text: "Найти платёж", CallbackData: cbLookup},
			{Text: "Статус сессии", CallbackData: cbSession},
		},
		{
			{Text: "История", CallbackData: cbHistory},
		},
	},
}

var backMenu = &models.InlineKeyboardMarkup{
	InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: "Назад", CallbackData: cbBack}},
	},
}

func (s *Service) onStart(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	if !s.allowed(chatID) {
		s.send(ctx, b, chatID, "Доступ только для операторов.", nil)
		return
	}
	s.state.Set(chatID, StateIdle)

	s.send(ctx, b, chatID, "Привет! Я показываю крипто-платежи и сессии подтверждения.\n\nВыбери действие:", mainMenu)
}

func (s *Service) onPaymentCmd(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil || !s.allowed(upd.Message.Chat.ID) {
		return
	}
	chatID := upd.Message.Chat.ID

	arg := commandArg(upd.Message.Text)
	if arg == "" {
		s.state.Set(chatID, StateAwaitTxHash)
		s.send(ctx, b, chatID, "Введи хэш транзакции (0x...):", nil)
		return
	}
	s.handleLookup(ctx, b, chatID, arg)
}

func (s *Service) onHistoryCmd(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil || !s.allowed(upd.Message.Chat.ID) {
		return
	}
	s.sendHistory(ctx, b, upd.Message.Chat.ID)
}

func (s *Service) onCbLookup(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.state.Set(chatID, StateAwaitTxHash)
	s.send(ctx, b, chatID, "Введи хэш транзакции (0x...):", nil)
}

func (s *Service) onCbSession(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.state.Set(chatID, StateAwaitSessionID)
	s.send(ctx, b, chatID, "Введи id сессии:", nil)
}

func (s *Service) onCbHistory(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.sendHistory(ctx, b, chatID)
}

func (s *Service) onCbBack(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.state.Set(chatID, StateIdle)
	s.send(ctx, b, chatID, "Главное меню:", mainMenu)
}

func (s *Service) onAnyText(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	text := strings.TrimSpace(upd.Message.Text)

	// prefix-хендлер может перехватить команду раньше специфичного
	switch {
	case strings.HasPrefix(text, "/payment"):
		s.onPaymentCmd(ctx, b, upd)
		return
	case strings.HasPrefix(text, "/history"):
		s.onHistoryCmd(ctx, b, upd)
		return
	case text == "/start":
		s.onStart(ctx, b, upd)
		return
	case strings.HasPrefix(text, "/") || !s.allowed(chatID):
		return
	}

	switch s.state.Take(chatID) {
	case StateAwaitTxHash:
		s.handleLookup(ctx, b, chatID, text)

	case StateAwaitSessionID:
		s.handleSession(ctx, b, chatID, text)

	default:
		s.send(ctx, b, chatID, "Используй /start, чтобы открыть меню.", nil)
	}
}

func (s *Service) handleLookup(ctx context.Context, b *tgbot.Bot, chatID int64, raw string) {
	hash, err := ParseTxHash(raw)
	if err != nil {
		s.send(ctx, b, chatID, "Похоже, это не хэш транзакции. Ожидаю 0x + 64 hex символа.", nil)
		return
	}

	p, err := s.payments.Payment(ctx, hash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.send(ctx, b, chatID, "Платёж с таким хэшем не записан.", backMenu)
		return
	case err != nil:
		s.logger.Error("payment lookup", zap.String("tx_hash", hash), zap.Error(err))
		s.send(ctx, b, chatID, fmt.Sprintf("Ошибка чтения платежа: %v", err), backMenu)
		return
	}

	s.send(ctx, b, chatID, FormatPayment(p), backMenu)
}

func (s *Service) handleSession(ctx context.Context, b *tgbot.Bot, chatID int64, id string) {
	resp, ok := s.payments.LookupSession(id)
	if !ok {
		s.send(ctx, b, chatID, "Сессия не найдена (или уже удалена).", backMenu)
		return
	}
	s.send(ctx, b, chatID, FormatSession(id, resp), backMenu)
}

func (s *Service) sendHistory(ctx context.Context, b *tgbot.Bot, chatID int64) {
	items, err := s.history.ListRecentPayments(ctx, historyLimit)
	if err != nil {
		s.send(ctx, b, chatID, fmt.Sprintf("Ошибка чтения истории: %v", err), backMenu)
		return
	}
	if len(items) == 0 {
		s.send(ctx, b, chatID, "История пуста.", backMenu)
		return
	}
	s.send(ctx, b, chatID, FormatPayments(items), backMenu)
}

func (s *Service) callbackChat(ctx context.Context, b *tgbot.Bot, upd *models.Update) (int64, bool) {
	cb := upd.CallbackQuery
	if cb == nil || cb.Message.Type == models.MaybeInaccessibleMessageTypeInaccessibleMessage {
		return 0, false
	}
	_, _ = b.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
	})

	chatID := cb.Message.Message.Chat.ID
	return chatID, s.allowed(chatID)
}

func (s *Service) send(ctx context.Context, b *tgbot.Bot, chatID int64, text string, markup models.ReplyMarkup) {
	params := &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		s.logger.Warn("send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
