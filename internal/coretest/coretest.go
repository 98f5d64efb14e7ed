// Package coretest runs an in-memory authentication core over
// httptest, implementing every endpoint the SDK consumes: session
// lifecycle with refresh-token lineage and theft detection, JWKS
// serving, passwordless code devices and credential accounts. Tests
// point a querier at URL() and exercise the SDK end to end without a
// real core deployment.
package coretest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/authlink/authlink/pkg/sesstoken"
)

const maxCodeAttempts = 5

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

type sessionRecord struct {
	handle       string
	userID       string
	recipeUserID string
	payload      map[string]any
	sessionData  map[string]any
	antiCsrf     string
	expiry       time.Time

	curRefresh string
	// past holds every refresh token this session has rotated away from.
	// Presenting one is lineage replay, i.e. theft.
	past map[string]bool
}

type codeDevice struct {
	deviceID         string
	preAuthSessionID string
	userInputCode    string
	linkCode         string
	email            string
	phoneNumber      string
	createdAt        time.Time
	lifetime         time.Duration
	consumed         bool
	failedAttempts   int
}

type userRecord struct {
	id          string
	email       string
	phoneNumber string
	password    string
	timeJoined  time.Time
}

// Core is the fake core instance.
type Core struct {
	srv *httptest.Server

	// AccessTokenLifetime applies to every minted access token.
	AccessTokenLifetime time.Duration

	mu            sync.Mutex
	keys          []signingKey
	sessions      map[string]*sessionRecord
	refreshOwner  map[string]string // refresh token -> session handle
	devices       map[string]*codeDevice
	usersByEmail  map[string]*userRecord
	usersByPhone  map[string]*userRecord
	verifiedEmail map[string]bool
	codeSeq       int

	verifyCalls     int
	regenerateCalls int
	jwksCalls       int
}

// New starts a fake core and registers its shutdown with the test.
func New(t *testing.T) *Core {
	t.Helper()

	c := &Core{
		AccessTokenLifetime: time.Hour,
		sessions:            make(map[string]*sessionRecord),
		refreshOwner:        make(map[string]string),
		devices:             make(map[string]*codeDevice),
		usersByEmail:        make(map[string]*userRecord),
		usersByPhone:        make(map[string]*userRecord),
		verifiedEmail:       make(map[string]bool),
	}
	c.addKey(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /apiversion", c.handleAPIVersion)
	mux.HandleFunc("GET /.well-known/jwks.json", c.handleJWKS)
	mux.HandleFunc("POST /recipe/session", c.handleCreate)
	mux.HandleFunc("POST /recipe/session/verify", c.handleVerify)
	mux.HandleFunc("POST /recipe/session/refresh", c.handleRefresh)
	mux.HandleFunc("POST /recipe/session/remove", c.handleRemove)
	mux.HandleFunc("GET /recipe/session/data", c.handleDataGet)
	mux.HandleFunc("PUT /recipe/session/data", c.handleDataPut)
	mux.HandleFunc("POST /recipe/session/regenerate", c.handleRegenerate)
	mux.HandleFunc("POST /recipe/signinup/code", c.handleCodeCreate)
	mux.HandleFunc("POST /recipe/signinup/code/consume", c.handleCodeConsume)
	mux.HandleFunc("POST /recipe/signup", c.handleSignUp)
	mux.HandleFunc("POST /recipe/signin", c.handleSignIn)
	mux.HandleFunc("GET /recipe/user/email/verify", c.handleEmailVerify)

	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)
	return c
}

// URL is the base URL tests hand to the querier as the core host.
func (c *Core) URL() string { return c.srv.URL }

// RotateKey generates a fresh signing key. New tokens are signed with
// it; older keys stay in the JWKS so existing tokens keep verifying.
func (c *Core) RotateKey(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addKeyLocked(t)
}

// VerifyCalls reports how many times the verify endpoint was hit. The
// fast path's whole point is keeping this at zero.
func (c *Core) VerifyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyCalls
}

// RegenerateCalls reports hits on the payload regeneration endpoint.
func (c *Core) RegenerateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regenerateCalls
}

// JWKSCalls reports hits on the JWKS endpoint.
func (c *Core) JWKSCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jwksCalls
}

// SessionExists reports whether a handle still has a live record.
func (c *Core) SessionExists(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[handle]
	return ok
}

// SetEmailVerified flips a user's email verification state.
func (c *Core) SetEmailVerified(userID string, verified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifiedEmail[userID] = verified
}

func (c *Core) addKey(t *testing.T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addKeyLocked(t)
}

func (c *Core) addKeyLocked(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	sum := sha256.Sum256(priv.PublicKey.N.Bytes())
	c.keys = append(c.keys, signingKey{
		kid:  "d-" + hex.EncodeToString(sum[:8]),
		priv: priv,
	})
}

func (c *Core) currentKey() signingKey { return c.keys[len(c.keys)-1] }

func hash1(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// mintLocked signs a v3 access token for the record with the newest key.
func (c *Core) mintLocked(rec *sessionRecord, parentRefresh string) (token string, expiry time.Time) {
	now := time.Now()
	expiry = now.Add(c.AccessTokenLifetime)
	rec.expiry = expiry

	p := sesstoken.Payload{
		SessionHandle:     rec.handle,
		UserID:            rec.userID,
		RecipeUserID:      rec.recipeUserID,
		RefreshTokenHash1: hash1(rec.curRefresh),
		AntiCsrfToken:     rec.antiCsrf,
		ExpiryTime:        expiry,
		TimeCreated:       now,
		UserData:          rec.payload,
	}
	if parentRefresh != "" {
		p.ParentRefreshTokenHash1 = hash1(parentRefresh)
	}

	key := c.currentKey()
	signed, err := sesstoken.Sign(p, sesstoken.LatestVersion, sesstoken.AlgRS256, key.kid, key.priv)
	if err != nil {
		panic(fmt.Sprintf("coretest: mint access token: %v", err))
	}
	return signed, expiry
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad body"})
		return false
	}
	return true
}

func tokenInfoJSON(token string, expiry time.Time) map[string]any {
	return map[string]any{
		"token":       token,
		"expiry":      expiry.UnixMilli(),
		"createdTime": time.Now().UnixMilli(),
	}
}

func sessionInfoJSON(rec *sessionRecord) map[string]any {
	return map[string]any{
		"handle":        rec.handle,
		"userId":        rec.userID,
		"recipeUserId":  rec.recipeUserID,
		"userDataInJWT": rec.payload,
	}
}

func (c *Core) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": []string{"2.9", "3.0", "3.1", "4.0"},
	})
}

func (c *Core) handleJWKS(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.jwksCalls++
	keys := make([]map[string]any, 0, len(c.keys))
	for _, k := range c.keys {
		pub := k.priv.PublicKey
		keys = append(keys, map[string]any{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": k.kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (c *Core) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID         string         `json:"userId"`
		RecipeUserID   string         `json:"recipeUserId"`
		UserDataInJWT  map[string]any `json:"userDataInJWT"`
		UserDataInDB   map[string]any `json:"userDataInDatabase"`
		EnableAntiCsrf bool           `json:"enableAntiCsrf"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &sessionRecord{
		handle:       uuid.NewString(),
		userID:       body.UserID,
		recipeUserID: body.RecipeUserID,
		payload:      body.UserDataInJWT,
		sessionData:  body.UserDataInDB,
		curRefresh:   "rt-" + uuid.NewString(),
		past:         make(map[string]bool),
	}
	if rec.payload == nil {
		rec.payload = map[string]any{}
	}
	if rec.sessionData == nil {
		rec.sessionData = map[string]any{}
	}
	if body.EnableAntiCsrf {
		rec.antiCsrf = uuid.NewString()
	}

	c.sessions[rec.handle] = rec
	c.refreshOwner[rec.curRefresh] = rec.handle

	access, expiry := c.mintLocked(rec, "")
	refreshExpiry := time.Now().Add(90 * 24 * time.Hour)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "OK",
		"session":       sessionInfoJSON(rec),
		"accessToken":   tokenInfoJSON(access, expiry),
		"refreshToken":  tokenInfoJSON(rec.curRefresh, refreshExpiry),
		"antiCsrfToken": rec.antiCsrf,
	})
}

func (c *Core) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken     string `json:"accessToken"`
		AntiCsrfToken   string `json:"antiCsrfToken"`
		DoAntiCsrfCheck bool   `json:"doAntiCsrfCheck"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyCalls++

	parsed, err := sesstoken.ParseWithoutVerify(body.AccessToken)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "TRY_REFRESH_TOKEN", "message": "unparsable access token",
		})
		return
	}

	rec, ok := c.sessions[parsed.Payload.SessionHandle]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "session does not exist",
		})
		return
	}

	if body.DoAntiCsrfCheck && rec.antiCsrf != "" && body.AntiCsrfToken != rec.antiCsrf {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "TRY_REFRESH_TOKEN", "message": "anti-csrf mismatch",
		})
		return
	}

	out := map[string]any{
		"status":  "OK",
		"session": sessionInfoJSON(rec),
	}
	// A token minted before the latest payload mutation is stale; hand the
	// client a re-issued one alongside the verdict.
	if !reflect.DeepEqual(parsed.Payload.UserData, rec.payload) {
		access, expiry := c.mintLocked(rec, "")
		out["accessToken"] = tokenInfoJSON(access, expiry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Core) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken   string `json:"refreshToken"`
		AntiCsrfToken  string `json:"antiCsrfToken"`
		EnableAntiCsrf bool   `json:"enableAntiCsrf"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handle, known := c.refreshOwner[body.RefreshToken]
	if !known {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "refresh token not found",
		})
		return
	}

	rec, live := c.sessions[handle]
	if !live {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "session does not exist",
		})
		return
	}

	if rec.past[body.RefreshToken] {
		// Lineage replay: someone is holding a token that was already
		// rotated away. Kill the session and say so.
		info := sessionInfoJSON(rec)
		c.dropSessionLocked(rec)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "TOKEN_THEFT_DETECTED",
			"session": info,
		})
		return
	}

	if body.RefreshToken != rec.curRefresh {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "refresh token mismatch",
		})
		return
	}

	parent := rec.curRefresh
	rec.past[parent] = true
	rec.curRefresh = "rt-" + uuid.NewString()
	c.refreshOwner[rec.curRefresh] = rec.handle

	if body.EnableAntiCsrf {
		rec.antiCsrf = uuid.NewString()
	} else {
		rec.antiCsrf = ""
	}

	access, expiry := c.mintLocked(rec, parent)
	refreshExpiry := time.Now().Add(90 * 24 * time.Hour)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "OK",
		"session":       sessionInfoJSON(rec),
		"accessToken":   tokenInfoJSON(access, expiry),
		"refreshToken":  tokenInfoJSON(rec.curRefresh, refreshExpiry),
		"antiCsrfToken": rec.antiCsrf,
	})
}

func (c *Core) dropSessionLocked(rec *sessionRecord) {
	delete(c.sessions, rec.handle)
	delete(c.refreshOwner, rec.curRefresh)
	for tok := range rec.past {
		delete(c.refreshOwner, tok)
	}
}

func (c *Core) handleRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionHandles []string `json:"sessionHandles"`
		UserID         string   `json:"userId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var revoked []string
	if body.UserID != "" {
		for _, rec := range c.sessions {
			if rec.userID == body.UserID {
				body.SessionHandles = append(body.SessionHandles, rec.handle)
			}
		}
	}
	for _, h := range body.SessionHandles {
		if rec, ok := c.sessions[h]; ok {
			c.dropSessionLocked(rec)
			revoked = append(revoked, h)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "OK",
		"sessionHandlesRevoked": revoked,
	})
}

func (c *Core) handleDataGet(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.sessions[r.URL.Query().Get("sessionHandle")]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "session does not exist",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "OK",
		"userDataInDatabase": rec.sessionData,
	})
}

func (c *Core) handleDataPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionHandle string         `json:"sessionHandle"`
		UserDataInDB  map[string]any `json:"userDataInDatabase"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.sessions[body.SessionHandle]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "UNAUTHORISED"})
		return
	}
	rec.sessionData = body.UserDataInDB
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (c *Core) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken   string         `json:"accessToken"`
		UserDataInJWT map[string]any `json:"userDataInJWT"`
		CheckDatabase bool           `json:"checkDatabase"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.regenerateCalls++

	parsed, err := sesstoken.ParseWithoutVerify(body.AccessToken)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "unparsable access token",
		})
		return
	}

	rec, ok := c.sessions[parsed.Payload.SessionHandle]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "UNAUTHORISED", "message": "session does not exist",
		})
		return
	}

	if body.UserDataInJWT == nil {
		body.UserDataInJWT = map[string]any{}
	}
	rec.payload = body.UserDataInJWT

	access, expiry := c.mintLocked(rec, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "OK",
		"session":     sessionInfoJSON(rec),
		"accessToken": tokenInfoJSON(access, expiry),
	})
}

func (c *Core) handleCodeCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID       string `json:"deviceId"`
		Email          string `json:"email"`
		PhoneNumber    string `json:"phoneNumber"`
		CodeLifetimeMs int64  `json:"codeLifetimeMs"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.codeSeq++
	dev := &codeDevice{
		deviceID:         body.DeviceID,
		preAuthSessionID: uuid.NewString(),
		userInputCode:    fmt.Sprintf("%06d", c.codeSeq*7919%1000000),
		linkCode:         uuid.NewString(),
		email:            body.Email,
		phoneNumber:      body.PhoneNumber,
		createdAt:        time.Now(),
		lifetime:         time.Duration(body.CodeLifetimeMs) * time.Millisecond,
	}
	c.devices[dev.preAuthSessionID] = dev

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "OK",
		"deviceId":         dev.deviceID,
		"preAuthSessionId": dev.preAuthSessionID,
		"userInputCode":    dev.userInputCode,
		"linkCode":         dev.linkCode,
		"codeLifetimeMs":   body.CodeLifetimeMs,
		"timeCreated":      dev.createdAt.UnixMilli(),
	})
}

func (c *Core) handleCodeConsume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PreAuthSessionID string `json:"preAuthSessionId"`
		DeviceID         string `json:"deviceId"`
		UserInputCode    string `json:"userInputCode"`
		LinkCode         string `json:"linkCode"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dev, ok := c.devices[body.PreAuthSessionID]
	if !ok || dev.consumed {
		writeJSON(w, http.StatusOK, map[string]any{"status": "RESTART_FLOW_ERROR"})
		return
	}
	if time.Since(dev.createdAt) > dev.lifetime {
		delete(c.devices, dev.preAuthSessionID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "EXPIRED_USER_INPUT_CODE_ERROR"})
		return
	}

	matched := false
	switch {
	case body.LinkCode != "":
		matched = body.LinkCode == dev.linkCode
	case body.DeviceID == dev.deviceID && body.UserInputCode != "":
		matched = body.UserInputCode == dev.userInputCode
	}

	if !matched {
		dev.failedAttempts++
		if dev.failedAttempts >= maxCodeAttempts {
			delete(c.devices, dev.preAuthSessionID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "RESTART_FLOW_ERROR"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":                      "INCORRECT_USER_INPUT_CODE_ERROR",
			"failedCodeInputAttemptCount": dev.failedAttempts,
			"maximumCodeInputAttempts":    maxCodeAttempts,
		})
		return
	}

	dev.consumed = true

	var user *userRecord
	createdNew := false
	if dev.email != "" {
		user = c.usersByEmail[dev.email]
	} else {
		user = c.usersByPhone[dev.phoneNumber]
	}
	if user == nil {
		createdNew = true
		user = &userRecord{
			id:          uuid.NewString(),
			email:       dev.email,
			phoneNumber: dev.phoneNumber,
			timeJoined:  time.Now(),
		}
		if dev.email != "" {
			c.usersByEmail[dev.email] = user
			// Passwordless email login proves inbox ownership.
			c.verifiedEmail[user.id] = true
		} else {
			c.usersByPhone[dev.phoneNumber] = user
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "OK",
		"createdNewUser": createdNew,
		"user": map[string]any{
			"id":          user.id,
			"email":       user.email,
			"phoneNumber": user.phoneNumber,
			"timeJoined":  user.timeJoined.UnixMilli(),
		},
	})
}

func (c *Core) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.usersByEmail[body.Email]; exists {
		writeJSON(w, http.StatusOK, map[string]any{"status": "EMAIL_ALREADY_EXISTS_ERROR"})
		return
	}

	user := &userRecord{
		id:         uuid.NewString(),
		email:      body.Email,
		password:   body.Password,
		timeJoined: time.Now(),
	}
	c.usersByEmail[body.Email] = user

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "OK",
		"user": map[string]any{
			"id":         user.id,
			"email":      user.email,
			"timeJoined": user.timeJoined.UnixMilli(),
		},
	})
}

func (c *Core) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.usersByEmail[body.Email]
	if !ok || user.password != body.Password {
		writeJSON(w, http.StatusOK, map[string]any{"status": "WRONG_CREDENTIALS_ERROR"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "OK",
		"user": map[string]any{
			"id":         user.id,
			"email":      user.email,
			"timeJoined": user.timeJoined.UnixMilli(),
		},
	})
}

func (c *Core) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "OK",
		"isVerified": c.verifiedEmail[r.URL.Query().Get("userId")],
	})
}
