package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

var ErrAnonymousIdentity = errors.New("no authenticated identity")

// ErrSessionTerminated is delivered to sign-out callbacks when the
// server rejects the current credential.
var ErrSessionTerminated = errors.New("session terminated by the server")

// SessionIdentity is parsed out of the access token claims.
type SessionIdentity struct {
	Id   EntityId
	Role string
}

// ParseSessionToken reads the identity claims without verifying the
// signature. Verification is the server's job; the client only needs
// the routing identity.
func ParseSessionToken(accessToken string) (*SessionIdentity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identity := &SessionIdentity{}
	if sub, ok := claims["sub"]; ok {
		if subStr, ok := sub.(string); ok {
			identity.Id = EntityId(subStr)
		}
	}
	if role, ok := claims["role"]; ok {
		if roleStr, ok := role.(string); ok {
			identity.Role = roleStr
		}
	}
	return identity, nil
}

// Session holds the current access credential. The epoch increments on
// every token change so that racing authorization failures can
// terminate a session exactly once.
type Session struct {
	mutex       sync.Mutex
	accessToken string
	identity    *SessionIdentity
	epoch       uint64
}

func NewSession() *Session {
	return &Session{}
}

func (self *Session) SetAccessToken(accessToken string) (*SessionIdentity, error) {
	identity, err := ParseSessionToken(accessToken)
	if err != nil {
		return nil, err
	}
	self.mutex.Lock()
	self.accessToken = accessToken
	self.identity = identity
	self.epoch += 1
	self.mutex.Unlock()
	return identity, nil
}

func (self *Session) AccessToken() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.accessToken
}

// accessTokenEpoch reads the token and its epoch atomically.
func (self *Session) accessTokenEpoch() (string, uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.accessToken, self.epoch
}

func (self *Session) Identity() (SessionIdentity, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.identity == nil {
		return SessionIdentity{}, false
	}
	return *self.identity, true
}

// Clear drops the credential. Reports whether this call performed the
// clear.
func (self *Session) Clear() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.accessToken == "" {
		return false
	}
	self.accessToken = ""
	self.identity = nil
	self.epoch += 1
	return true
}

// clearEpoch clears only if the session has not changed since epoch.
func (self *Session) clearEpoch(epoch uint64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.epoch != epoch || self.accessToken == "" {
		return false
	}
	self.accessToken = ""
	self.identity = nil
	self.epoch += 1
	return true
}

type SignOutFunction func(err error)

type AuthTransportSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultAuthTransportSettings() *AuthTransportSettings {
	return &AuthTransportSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

// AuthTransport makes every outbound request carry proof of the current
// session and enforces global session termination on rejection.
type AuthTransport struct {
	session          *Session
	httpClient       *http.Client
	signOutCallbacks *CallbackList[SignOutFunction]
}

func NewAuthTransport(session *Session) *AuthTransport {
	return NewAuthTransportWithSettings(session, DefaultAuthTransportSettings())
}

func NewAuthTransportWithSettings(session *Session, settings *AuthTransportSettings) *AuthTransport {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &AuthTransport{
		session: session,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
		signOutCallbacks: NewCallbackList[SignOutFunction](),
	}
}

func (self *AuthTransport) Session() *Session {
	return self.session
}

// AddSignOutCallback registers a session-termination observer
// (navigation to the unauthorized screen, a visible error) and
// returns a remove function.
func (self *AuthTransport) AddSignOutCallback(callback SignOutFunction) func() {
	return self.signOutCallbacks.add(callback)
}

// Do issues the request with the current credential attached as a
// bearer Authorization header, merging with caller-supplied headers.
//
// A request cancelled through its context resolves as (nil, nil) so
// callers that abort in-flight work do not need to special-case it.
//
// A 401/403 response to a request that carried a credential terminates
// the session exactly once and fires the sign-out callbacks; the
// response is still returned. Without a credential the response is
// returned untouched and the caller decides.
func (self *AuthTransport) Do(req *http.Request) (*http.Response, error) {
	accessToken, epoch := self.session.accessTokenEpoch()
	if accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			// aborted by the caller, not a failure
			return nil, nil
		}
		return nil, err
	}

	if accessToken != "" && (r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden) {
		if self.session.clearEpoch(epoch) {
			glog.Infof("[auth]session terminated on %d %s\n", r.StatusCode, req.URL.Path)
			for _, callback := range self.signOutCallbacks.get() {
				callback(ErrSessionTerminated)
			}
		}
	}

	return r, nil
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// Api is the typed surface of the console backend used by the sync
// layer itself: session bootstrap and identity profile. List resources
// go through the paginated Fetcher instead.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	session   *Session
	transport *AuthTransport
}

func NewApi(apiUrl string) *Api {
	return NewApiWithContext(context.Background(), apiUrl)
}

func NewApiWithContext(ctx context.Context, apiUrl string) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := NewSession()
	return &Api{
		ctx:       cancelCtx,
		cancel:    cancel,
		apiUrl:    apiUrl,
		session:   session,
		transport: NewAuthTransport(session),
	}
}

func (self *Api) Url() string {
	return self.apiUrl
}

func (self *Api) Session() *Session {
	return self.session
}

func (self *Api) Transport() *AuthTransport {
	return self.transport
}

// SetAccessToken installs a credential obtained out of band
// (sign-in result, stored session) and returns the parsed identity.
func (self *Api) SetAccessToken(accessToken string) (*SessionIdentity, error) {
	return self.session.SetAccessToken(accessToken)
}

func (self *Api) Close() {
	self.cancel()
}

type SignInWithPasswordCallback apiCallback[*SignInWithPasswordResult]

type SignInWithPasswordArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignInWithPasswordResult struct {
	AccessToken string                         `json:"access_token,omitempty"`
	Error       *SignInWithPasswordResultError `json:"error,omitempty"`
}

type SignInWithPasswordResultError struct {
	Message string `json:"message"`
}

func (self *Api) SignInWithPassword(signIn *SignInWithPasswordArgs, callback SignInWithPasswordCallback) {
	go post(
		self.ctx,
		self.transport,
		fmt.Sprintf("%s/auth/sign-in", self.apiUrl),
		signIn,
		&SignInWithPasswordResult{},
		callback,
	)
}

func (self *Api) SignInWithPasswordSync(signIn *SignInWithPasswordArgs) (*SignInWithPasswordResult, error) {
	return post(
		self.ctx,
		self.transport,
		fmt.Sprintf("%s/auth/sign-in", self.apiUrl),
		signIn,
		&SignInWithPasswordResult{},
		NewNoopApiCallback[*SignInWithPasswordResult](),
	)
}

type GetProfileCallback apiCallback[*Staff]

// GetProfile fetches the signed-in identity. The caller stores the
// result under KeyStaff, which is what arms the push sync channel.
func (self *Api) GetProfile(callback GetProfileCallback) {
	go get(
		self.ctx,
		self.transport,
		fmt.Sprintf("%s/users/me", self.apiUrl),
		&Staff{},
		callback,
	)
}

func (self *Api) GetProfileSync() (*Staff, error) {
	return get(
		self.ctx,
		self.transport,
		fmt.Sprintf("%s/users/me", self.apiUrl),
		&Staff{},
		NewNoopApiCallback[*Staff](),
	)
}

func post[R any](ctx context.Context, transport *AuthTransport, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	r, err := transport.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	if r == nil {
		// aborted
		var empty R
		callback.Result(empty, nil)
		return empty, nil
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, transport *AuthTransport, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	r, err := transport.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	if r == nil {
		// aborted
		var empty R
		callback.Result(empty, nil)
		return empty, nil
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
