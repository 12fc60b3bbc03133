package sheetsync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ByJwt carries the identity claims the record api and relay care about.
// Verification happens server side; the client only needs the claims.
type ByJwt struct {
	UserId     Id
	UserName   string
	ClientId   Id
	DocumentId Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}
	if documentIdStr, ok := claims["document_id"].(string); ok {
		if documentId, err := ParseId(documentIdStr); err == nil {
			byJwt.DocumentId = documentId
		}
	}

	return byJwt, nil
}
