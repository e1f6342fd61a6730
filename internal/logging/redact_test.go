package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "…(3)", Redact("abc"))
	assert.Equal(t, "Expone…(41)", Redact("ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]"))

	secret := "a-very-long-bearer-token-value"
	assert.NotContains(t, Redact(secret), secret)
	assert.True(t, strings.HasPrefix(Redact(secret), "a-very"))
}
