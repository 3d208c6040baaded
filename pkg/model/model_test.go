package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUser_Verified(t *testing.T) {
	yes, no := true, false
	for name, tc := range map[string]struct {
		user     User
		verified bool
	}{
		"current_flag":       {user: User{IsEmailVerified: true}, verified: true},
		"legacy_is_verified": {user: User{IsVerified: &yes}, verified: true},
		"legacy_email_flag":  {user: User{EmailVerified: &yes}, verified: true},
		"legacy_flags_false": {user: User{IsVerified: &no, EmailVerified: &no}, verified: false},
		"no_flags":           {user: User{}, verified: false},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.verified, tc.user.Verified())
			assert.Equal(t, tc.verified, tc.user.Summary().IsEmailVerified)
		})
	}
}

func TestConversation_Participants(t *testing.T) {
	assert.Equal(t, "a:b", PairKey("b", "a"))
	assert.Equal(t, PairKey("a", "b"), PairKey("b", "a"))

	conversation := Conversation{Participants: []string{"a", "b"}, PairKey: PairKey("a", "b")}
	assert.Equal(t, "b", conversation.Other("a"))
	assert.Equal(t, "a", conversation.Other("b"))
	assert.True(t, conversation.HasParticipant("a"))
	assert.False(t, conversation.HasParticipant("c"))
}
