package storage

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func stringOrEmpty(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
