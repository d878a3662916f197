package engine

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	RoomCodeLength = 4
	// RoomCodeChars leaves out 0/O and 1/I.
	RoomCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func GenerateRoomCode() (string, error) {
	code := make([]byte, RoomCodeLength)
	for i := range RoomCodeLength {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(RoomCodeChars))))
		if err != nil {
			return "", err
		}
		code[i] = RoomCodeChars[n.Int64()]
	}
	return string(code), nil
}

// NormalizeRoomCode upper-cases user input and reports whether it can be a
// room code at all.
func NormalizeRoomCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != RoomCodeLength {
		return code, false
	}
	for _, c := range code {
		if !strings.ContainsRune(RoomCodeChars, c) {
			return code, false
		}
	}
	return code, true
}
