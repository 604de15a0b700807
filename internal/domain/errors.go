package domain

import "errors"

// Store-level sentinels shared by the session and response stores.
var (
	ErrSessionNotFound  = errors.New("call session not found")
	ErrSessionExists    = errors.New("call session already exists")
	ErrSessionConflict  = errors.New("call session was modified concurrently")
	ErrAnswerExists     = errors.New("answer already recorded for position")
	ErrResponseNotFound = errors.New("response not found")
	ErrResponseExists   = errors.New("response already exists for token")
)
