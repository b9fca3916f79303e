package domain

import (
	"errors"
	"regexp"
)

// AuthState — каноническое состояние авторизации пользователя.
type AuthState string

const (
	AuthDisconnected     AuthState = "disconnected"
	AuthAwaitingPhone    AuthState = "awaiting_phone"
	AuthAwaitingCode     AuthState = "awaiting_code"
	AuthAwaitingPassword AuthState = "awaiting_password"
	AuthReady            AuthState = "ready"
)

// Valid сообщает, входит ли значение в закрытое множество состояний.
func (s AuthState) Valid() bool {
	switch s {
	case AuthDisconnected, AuthAwaitingPhone, AuthAwaitingCode, AuthAwaitingPassword, AuthReady:
		return true
	}
	return false
}

// ErrNoClient возвращается, когда для пользователя не зарегистрирован клиент.
var ErrNoClient = errors.New("no client registered for user")

// ErrAuthTimeout возвращается, когда клиент не достиг ready за отведённое время.
var ErrAuthTimeout = errors.New("authorization wait timed out")

// ErrInvalidUserID возвращается для идентификатора, не прошедшего проверку.
var ErrInvalidUserID = errors.New("invalid user id")

// ErrInvalidAuthState возвращается на команду, недопустимую в текущем состоянии.
var ErrInvalidAuthState = errors.New("command not allowed in current auth state")

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateUserID проверяет идентификатор до любого обращения к файловой
// системе или созданию клиента.
func ValidateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return ErrInvalidUserID
	}
	return nil
}

// AuthCommandType описывает тип входящей команды авторизации.
type AuthCommandType string

const (
	AuthCommandConnect    AuthCommandType = "CONNECT"
	AuthCommandPhone      AuthCommandType = "PHONE"
	AuthCommandCode       AuthCommandType = "CODE"
	AuthCommandPassword   AuthCommandType = "PASSWORD"
	AuthCommandDisconnect AuthCommandType = "DISCONNECT"
)

// AuthCommand — команда авторизации, приходящая из веб-слоя через мост.
type AuthCommand struct {
	Type     AuthCommandType `json:"type"`
	Phone    string          `json:"phone,omitempty"`
	Code     string          `json:"code,omitempty"`
	Password string          `json:"password,omitempty"`
}

// AuthUpdateType описывает тип исходящего уведомления.
type AuthUpdateType string

const (
	AuthUpdateState AuthUpdateType = "STATE"
	AuthUpdateError AuthUpdateType = "ERROR"
)

// AuthUpdate — исходящее уведомление о смене состояния или ошибке.
// Доставка best-effort: источником истины остаётся состояние в БД.
type AuthUpdate struct {
	Type    AuthUpdateType `json:"type"`
	State   AuthState      `json:"state,omitempty"`
	Message string         `json:"message,omitempty"`
}
