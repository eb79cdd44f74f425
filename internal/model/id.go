package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// IDType distinguishes the two generated identifier families: one per
// escalation run, one per scan batch.
type IDType string

const (
	IDTypeRun   IDType = "run"
	IDTypeBatch IDType = "batch"
)

// Identifiers look like run_1700000000_deadbeef: type, unix seconds,
// then four random bytes in hex.
var idRegex = regexp.MustCompile(`^(run|batch)_([0-9]{10})_([0-9a-f]{8})$`)

func GenerateID(idType IDType) (string, error) {
	if idType != IDTypeRun && idType != IDTypeBatch {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}

	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(suffix)), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	match := idRegex.FindStringSubmatch(id)
	if match == nil {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	match := idRegex.FindStringSubmatch(id)
	if match == nil {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	ts, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
