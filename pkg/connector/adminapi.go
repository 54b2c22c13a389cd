// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"maunium.net/go/mautrix/id"
)

// maxAdminBodySize limits request bodies accepted by the admin API.
const maxAdminBodySize = 1 << 20

// TokenBinding is the admin API view of a user token binding. Tokens are
// write-only and never returned.
type TokenBinding struct {
	UserID    id.UserID `json:"user_id"`
	DiscordID string    `json:"discord_id"`
	Token     string    `json:"token,omitempty"`
}

// AdminHandler returns the admin HTTP API:
//
//	GET    /api/user-tokens?user_id=@alice:example.com
//	POST   /api/user-tokens            {"user_id", "discord_id", "token"}
//	DELETE /api/user-tokens?discord_id=123
//	GET    /api/thirdparty/protocol
//	GET    /api/thirdparty/location?guild_id=1&channel_name=general
//	GET    /api/thirdparty/user?username=name&discriminator=1234
func (dc *DiscordConnector) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user-tokens", dc.HandleUserTokens)
	mux.HandleFunc("/api/thirdparty/protocol", dc.HandleThirdPartyProtocol)
	mux.HandleFunc("/api/thirdparty/location", dc.HandleThirdPartyLocation)
	mux.HandleFunc("/api/thirdparty/user", dc.HandleThirdPartyUser)
	return mux
}

// RegisterThirdPartyRoutes mounts the protocol, location and user lookups
// where the homeserver queries them. checkToken rejects requests without the
// homeserver token.
func (dc *DiscordConnector) RegisterThirdPartyRoutes(router *mux.Router, checkToken func(http.ResponseWriter, *http.Request) bool) {
	tp := router.PathPrefix("/_matrix/app/v1/thirdparty").Subrouter()
	tp.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if checkToken(w, r) {
				next.ServeHTTP(w, r)
			}
		})
	})
	tp.HandleFunc("/protocol/"+ThirdPartyProtocol, dc.HandleThirdPartyProtocol).Methods(http.MethodGet)
	tp.HandleFunc("/location/"+ThirdPartyProtocol, dc.HandleThirdPartyLocation).Methods(http.MethodGet)
	tp.HandleFunc("/user/"+ThirdPartyProtocol, dc.HandleThirdPartyUser).Methods(http.MethodGet)
}

func (dc *DiscordConnector) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		dc.Log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// HandleUserTokens lists, adds and removes puppet token bindings.
func (dc *DiscordConnector) HandleUserTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		userID := id.UserID(r.URL.Query().Get("user_id"))
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		res, err := dc.DB.UserToken.GetTokens(ctx, userID)
		if err != nil {
			dc.Log.Error().Err(err).Msg("Failed to list token bindings")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		bindings := []TokenBinding{}
		for _, tok := range res.OrEmpty() {
			bindings = append(bindings, TokenBinding{UserID: id.UserID(tok.UserID), DiscordID: tok.DiscordID})
		}
		dc.writeJSON(w, http.StatusOK, bindings)

	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		var binding TokenBinding
		if err := json.Unmarshal(body, &binding); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if binding.UserID == "" || !isSnowflake(binding.DiscordID) || binding.Token == "" {
			http.Error(w, "user_id, discord_id and token are required", http.StatusBadRequest)
			return
		}
		if err := dc.DB.UserToken.Add(ctx, binding.UserID, binding.DiscordID, binding.Token); err != nil {
			dc.Log.Error().Err(err).Msg("Failed to add token binding")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		dc.Clients.Forget(binding.DiscordID)
		dc.Log.Info().
			Str("remote_addr", r.RemoteAddr).
			Str("user_id", string(binding.UserID)).
			Str("discord_id", binding.DiscordID).
			Msg("Token binding added")
		binding.Token = ""
		dc.writeJSON(w, http.StatusCreated, binding)

	case http.MethodDelete:
		discordID := r.URL.Query().Get("discord_id")
		if !isSnowflake(discordID) {
			http.Error(w, "discord_id is required", http.StatusBadRequest)
			return
		}
		if err := dc.DB.UserToken.Delete(ctx, discordID); err != nil {
			dc.Log.Error().Err(err).Msg("Failed to delete token binding")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		dc.Clients.Forget(discordID)
		dc.Log.Info().
			Str("remote_addr", r.RemoteAddr).
			Str("discord_id", discordID).
			Msg("Token binding removed")
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (dc *DiscordConnector) HandleThirdPartyProtocol(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dc.writeJSON(w, http.StatusOK, dc.Protocol())
}

func (dc *DiscordConnector) HandleThirdPartyLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	guildID, channelName := q.Get("guild_id"), q.Get("channel_name")
	if guildID == "" || channelName == "" {
		http.Error(w, "guild_id and channel_name are required", http.StatusBadRequest)
		return
	}
	locations, err := dc.LookupLocations(guildID, channelName)
	if err != nil {
		dc.Log.Warn().Err(err).Str("guild_id", guildID).Msg("Location lookup failed")
		http.Error(w, "lookup failed", http.StatusBadGateway)
		return
	}
	if locations == nil {
		locations = []Location{}
	}
	dc.writeJSON(w, http.StatusOK, locations)
}

func (dc *DiscordConnector) HandleThirdPartyUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	username := q.Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	users, err := dc.LookupUsers(r.Context(), username, q.Get("discriminator"))
	if err != nil {
		dc.Log.Warn().Err(err).Msg("User lookup failed")
		http.Error(w, "lookup failed", http.StatusBadGateway)
		return
	}
	if users == nil {
		users = []ThirdPartyUser{}
	}
	dc.writeJSON(w, http.StatusOK, users)
}
