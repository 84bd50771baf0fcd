package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseByJwt(t *testing.T) {
	actorId := NewId()
	jwtStr := makeTestJwt(t, actorId, "ada")

	byJwt, err := ParseByJwtUnverified(jwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.ActorId, actorId)
	assert.Equal(t, byJwt.DisplayName, "ada")

	auth := &ClientAuth{ByJwt: jwtStr}
	authActorId, err := auth.ActorId()
	assert.Equal(t, err, nil)
	assert.Equal(t, authActorId, actorId)
	assert.Equal(t, auth.DisplayName(), "ada")

	_, err = ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}
