package supabase

import (
	"io"
	"net/http"
)

// maxBodyBytes caps how much of a PostgREST response we buffer.
const maxBodyBytes = 1 << 20

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
