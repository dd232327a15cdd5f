package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// BotAPI talks to a Telegram-style bot HTTP API: JSON POSTs to
// <base>/bot<token>/<method>, long-poll getUpdates for inbound
// events.
type BotAPI struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewBotAPI creates a transport against the given bot API endpoint
func NewBotAPI(baseURL, token, chatID string) *BotAPI {
	return &BotAPI{
		baseURL: baseURL,
		token:   token,
		chatID:  chatID,
		// Timeout must exceed the long-poll window; per-call
		// deadlines are set in GetUpdates.
		client: &http.Client{Timeout: 90 * time.Second},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

type rawUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			MessageID int64 `json:"message_id"`
		} `json:"message"`
	} `json:"callback_query"`
}

// SendMessage implements Transport
func (b *BotAPI) SendMessage(ctx context.Context, text string, buttons []Button) (string, error) {
	payload := map[string]any{
		"chat_id": b.chatID,
		"text":    text,
	}
	if len(buttons) > 0 {
		keyboard := make([][]inlineKeyboardButton, len(buttons))
		for i, btn := range buttons {
			// One button per row keeps labels readable on a phone.
			keyboard[i] = []inlineKeyboardButton{{Text: btn.Label, CallbackData: btn.Data}}
		}
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}

	var msg sentMessage
	if err := b.call(ctx, "sendMessage", payload, &msg); err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// EditMessage implements Transport
func (b *BotAPI) EditMessage(ctx context.Context, messageID, text string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	return b.call(ctx, "editMessageText", map[string]any{
		"chat_id":    b.chatID,
		"message_id": id,
		"text":       text,
	}, nil)
}

// AnswerCallback implements Transport
func (b *BotAPI) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return b.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

// GetUpdates implements Transport
func (b *BotAPI) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds+10)*time.Second)
	defer cancel()

	var raw []rawUpdate
	err := b.call(callCtx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeoutSeconds,
		"allowed_updates": []string{"callback_query"},
	}, &raw)
	if err != nil {
		return nil, err
	}

	updates := make([]Update, 0, len(raw))
	for _, u := range raw {
		upd := Update{UpdateID: u.UpdateID}
		if u.CallbackQuery != nil {
			upd.CallbackID = u.CallbackQuery.ID
			upd.CallbackData = u.CallbackQuery.Data
			if u.CallbackQuery.Message != nil {
				upd.MessageID = strconv.FormatInt(u.CallbackQuery.Message.MessageID, 10)
			}
		}
		updates = append(updates, upd)
	}
	return updates, nil
}

func (b *BotAPI) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !api.OK {
		return fmt.Errorf("%s rejected: %s", method, api.Description)
	}

	if result != nil {
		if err := json.Unmarshal(api.Result, result); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", method, err)
		}
	}
	return nil
}
