// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MakeTelegramUserID formats a Telegram user ID as a user map key.
func MakeTelegramUserID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// ParseTelegramUserID parses a user map key back into a Telegram user ID.
func ParseTelegramUserID(userID string) (int64, error) {
	return strconv.ParseInt(userID, 10, 64)
}

// makeMessageKey identifies a Telegram message for replay detection.
func makeMessageKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// telegramDisplayParams builds the displayname template parameters for a
// Telegram user.
func telegramDisplayParams(user *tgbotapi.User) DisplaynameParams {
	if user == nil {
		return DisplaynameParams{}
	}
	return DisplaynameParams{
		ID:        user.ID,
		Username:  user.UserName,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}
}
