package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NewReservationNumber returns a public reference such as RSV-20260101-1A2B3C4D
func NewReservationNumber(now time.Time) string {
	return fmt.Sprintf("RSV-%s-%s", now.Format("20060102"), randomHex(4))
}

// NewTicketNumber returns a ticket number such as TKT-20260101-1A2B3C4D5E
func NewTicketNumber(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "TKT"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), randomHex(5))
}

// NewTransactionID builds a prefix-timestamp-random transaction id
func NewTransactionID(now time.Time) string {
	return fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), randomHex(4))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		return strings.ToUpper(strconv.FormatInt(time.Now().UnixNano(), 16))
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
