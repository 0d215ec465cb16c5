package backend

import (
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/token"
)

var errMalformed = errors.New("malformed response body")

// payload returns the meaningful part of a response body. Some deployments wrap every response
// in {"data": ..., "status": ..., "message": ...}; others return the object itself.
func payload(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, errMalformed
	}
	res := gjson.ParseBytes(body)
	if data := res.Get("data"); data.IsObject() {
		return data, nil
	}
	return res, nil
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func decodePair(res gjson.Result) (token.Pair, error) {
	pair := token.Pair{
		Access:  token.Token(firstString(res, "accessToken", "token", "access_token")),
		Refresh: token.Token(firstString(res, "refreshToken", "refresh_token")),
	}
	if pair.Access.Empty() {
		return token.Pair{}, errors.New("response carried no access token")
	}
	return pair, nil
}

// decodeProfile reads a user object. It returns nil when res has no id.
func decodeProfile(res gjson.Result) *common.Profile {
	if u := res.Get("user"); u.IsObject() {
		res = u
	}
	id := res.Get("id").String()
	if id == "" {
		return nil
	}
	return &common.Profile{
		ID:    id,
		Name:  res.Get("name").String(),
		Email: res.Get("email").String(),
		Role:  res.Get("role").String(),
	}
}

func decodeAPIError(status int, body []byte) *common.APIError {
	e := &common.APIError{Status: status}
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		e.Message = firstString(res, "message", "error")
		if errs := res.Get("errors"); errs.IsObject() {
			e.Errors = make(map[string][]string)
			errs.ForEach(func(field, msgs gjson.Result) bool {
				if msgs.IsArray() {
					for _, m := range msgs.Array() {
						e.Errors[field.String()] = append(e.Errors[field.String()], m.String())
					}
				} else {
					e.Errors[field.String()] = []string{msgs.String()}
				}
				return true
			})
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
