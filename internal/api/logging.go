package api

import (
	"log"
	"time"
)

func requestStart() time.Time {
	return time.Now()
}

func logRequest(method, path string, status int, start time.Time) {
	log.Printf("[api] %s %s %d %s", method, path, status, time.Since(start))
}
