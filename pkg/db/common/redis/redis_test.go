package redis

import "testing"

func TestConnection_OpenWithoutConfig(t *testing.T) {
	c := &Connection{}
	if err := c.Open(); err == nil {
		t.Errorf("expected error has not occurred")
	}

	// Close before a successful Open is a no-op.
	if err := c.Close(); err != nil {
		t.Errorf("unexpected err: %v", err)
	}
}
