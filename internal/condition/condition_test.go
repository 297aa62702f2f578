package condition

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fabian4/gatewayproxy/internal/config"
)

func TestEvaluate_EmptyConditionIsAlwaysTrue(t *testing.T) {
	assert.True(t, Evaluate(nil, Context{}))
	assert.True(t, Evaluate(&config.Condition{}, Context{}))
}

func TestEvaluate_PathMatches(t *testing.T) {
	c := &config.Condition{PathMatches: "/admin"}
	assert.True(t, Evaluate(c, Context{Path: "/admin/users"}))
	assert.False(t, Evaluate(c, Context{Path: "/public"}))
}

func TestEvaluate_MethodIsExactMatch(t *testing.T) {
	c := &config.Condition{MethodIs: "POST"}
	assert.True(t, Evaluate(c, Context{Method: "POST"}))
	assert.False(t, Evaluate(c, Context{Method: "GET"}))
	assert.False(t, Evaluate(c, Context{Method: "post"}))
}

func TestEvaluate_HasHeaderPresenceOnly(t *testing.T) {
	c := &config.Condition{HasHeaderSet: true, HasHeaderName: "X-Trace"}
	h := http.Header{}
	assert.False(t, Evaluate(c, Context{RequestHeader: h}))
	h.Set("X-Trace", "anything")
	assert.True(t, Evaluate(c, Context{RequestHeader: h}))
}

func TestEvaluate_HasHeaderValueSubstring(t *testing.T) {
	c := &config.Condition{HasHeaderSet: true, HasHeaderName: "Accept", HasHeaderValueOK: true, HasHeaderValue: "json"}
	h := http.Header{}
	h.Set("Accept", "application/json")
	assert.True(t, Evaluate(c, Context{RequestHeader: h}))

	h.Set("Accept", "text/html")
	assert.False(t, Evaluate(c, Context{RequestHeader: h}))
}

func TestEvaluate_HasHeaderOnResponseSide(t *testing.T) {
	c := &config.Condition{HasHeaderSet: true, HasHeaderName: "X-Cache"}
	resp := http.Header{}
	resp.Set("X-Cache", "HIT")
	assert.True(t, Evaluate(c, Context{HasResponse: true, ResponseHeader: resp}))
}

func TestEvaluate_AllPredicatesMustHold(t *testing.T) {
	c := &config.Condition{PathMatches: "/admin", MethodIs: "POST"}
	assert.False(t, Evaluate(c, Context{Path: "/admin", Method: "GET"}))
	assert.True(t, Evaluate(c, Context{Path: "/admin", Method: "POST"}))
}
