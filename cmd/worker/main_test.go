package main

import (
	"testing"

	"github.com/odyssey-erp/menuauthz/internal/app"
	_ "github.com/odyssey-erp/menuauthz/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode")
	}
	main()
}
