package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/flowroom/internal/collab"
	"github.com/MarcoPoloResearchLab/flowroom/internal/database"
	"github.com/MarcoPoloResearchLab/flowroom/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestSessionCookieResolvesCollaboratorThroughDirectory(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "flowroom.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build collaborator directory: %v", err)
	}

	server, hub := startTestServer(t, Dependencies{
		Sessions:       newTestValidator(t),
		Directory:      directory,
		RequireSession: true,
	})

	header := http.Header{}
	header.Set("Cookie", testCookieName+"="+signSessionToken(t, "google:12345", "  Registrar  "))
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/workflows/wf-archive/ws"
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	_ = response.Body.Close()
	t.Cleanup(func() {
		_ = conn.Close()
	})

	var init collab.InitPayload
	if err := json.Unmarshal(expectEnvelope(t, conn, "init").Payload, &init); err != nil {
		t.Fatalf("failed to decode init: %v", err)
	}
	if init.Identity != "12345" {
		t.Fatalf("expected canonical collaborator id, got %q", init.Identity)
	}
	if len(init.Users) != 1 || init.Users[0].Name != "Registrar" {
		t.Fatalf("expected trimmed display name, got %#v", init.Users)
	}

	var stored users.Identity
	if err := db.Where("provider = ? AND subject = ?", "google", "12345").First(&stored).Error; err != nil {
		t.Fatalf("expected identity row: %v", err)
	}
	if stored.DisplayName != "Registrar" {
		t.Fatalf("unexpected stored display name %q", stored.DisplayName)
	}

	room, ok := hub.Room("wf-archive")
	if !ok || room.UserCount() != 1 {
		t.Fatalf("expected one participant in wf-archive")
	}
}
