package ws

import (
	"testing"

	"evalroom/pkg/types"
)

func TestConnection_BindIsSetOnce(t *testing.T) {
	// Identity state is independent of the underlying transport.
	c := &Connection{id: "conn-1"}

	if c.IsBound() {
		t.Fatal("fresh connection must be unbound")
	}

	if err := c.Bind("Ana", types.RoleStudent, "ABCDE"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !c.IsBound() {
		t.Error("connection should report bound after Bind")
	}
	if c.DisplayName() != "Ana" || c.Role() != types.RoleStudent || c.RoomCode() != "ABCDE" {
		t.Errorf("identity = %q/%q/%q", c.DisplayName(), c.Role(), c.RoomCode())
	}

	if err := c.Bind("Luis", types.RoleStudent, "ZZZZZ"); err != ErrAlreadyBound {
		t.Errorf("second bind: got %v, want ErrAlreadyBound", err)
	}
	if c.RoomCode() != "ABCDE" {
		t.Error("failed rebind must not change the room code")
	}
}
