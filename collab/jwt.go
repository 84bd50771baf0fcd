package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

func (self *ClientAuth) ActorId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ActorId, nil
}

func (self *ClientAuth) DisplayName() string {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return ""
	}
	return byJwt.DisplayName
}

type ByJwt struct {
	ActorId     Id
	DisplayName string
}

// the token is verified by the server. the client parses it unverified
// only to learn its own actor identity for local state bookkeeping.
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if actorIdStr, ok := claims["actor_id"].(string); ok {
		if actorId, err := ParseId(actorIdStr); err == nil {
			byJwt.ActorId = actorId
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		byJwt.DisplayName = displayName
	}

	return byJwt, nil
}
