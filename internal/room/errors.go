package room

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room full")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrPlayerNotFound     = errors.New("player not found")
	ErrAlreadyInRoom      = errors.New("connection already in a room")
	ErrCodeSpaceExhausted = errors.New("could not allocate a free room code")
)
