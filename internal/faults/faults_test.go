package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cfg := Configurationf("missing uplink for bridge %s", "br0")
	assert.True(t, IsConfiguration(cfg))
	assert.False(t, IsTransport(cfg))
	assert.Contains(t, cfg.Error(), "br0")

	tr := Transportf("dial unix %s: refused", "/run/api.sock")
	assert.True(t, IsTransport(tr))

	cf := Conflictf("host port %d already reserved", 8080)
	assert.True(t, IsConflict(cf))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("provision br0: %w", Transportf("link add failed"))
	assert.True(t, IsTransport(err))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Configurationf("bad")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflictf("taken")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(Transportf("down")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
