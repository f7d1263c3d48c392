package http

import (
	"testing"

	"github.com/hollis-r/go-webserv/internal/buffer"
)

// fakeVerifier records calls and returns a canned verdict.
type fakeVerifier struct {
	ok       bool
	username string
	passwd   string
	isLogin  bool
	calls    int
}

func (f *fakeVerifier) Verify(username, passwd string, isLogin bool) bool {
	f.calls++
	f.username, f.passwd, f.isLogin = username, passwd, isLogin
	return f.ok
}

func parseString(t *testing.T, r *Request, raw string) bool {
	t.Helper()
	buf := buffer.New()
	buf.AppendString(raw)
	return r.Parse(buf)
}

func TestParseGet(t *testing.T) {
	r := NewRequest(nil, nil)
	ok := parseString(t, r, "GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n")
	if !ok {
		t.Fatal("Parse returned false")
	}
	if r.state != stateFinish {
		t.Errorf("state = %v, want finish", r.state)
	}
	if r.Method() != "GET" || r.Path() != "/index.html" || r.Version() != "1.1" {
		t.Errorf("parsed %q %q %q", r.Method(), r.Path(), r.Version())
	}
	if r.Header("Host") != "x" {
		t.Errorf("Host = %q, want x", r.Header("Host"))
	}
}

func TestParsePathCompletion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/", "/index.html"},
		{"/register", "/register.html"},
		{"/login", "/login.html"},
		{"/video", "/video.html"},
		{"/other", "/other"},
		{"/index.html", "/index.html"},
	}
	for _, tt := range tests {
		r := NewRequest(nil, nil)
		if !parseString(t, r, "GET "+tt.in+" HTTP/1.1\r\n\r\n") {
			t.Fatalf("parse %q failed", tt.in)
		}
		if r.Path() != tt.want {
			t.Errorf("path %q -> %q, want %q", tt.in, r.Path(), tt.want)
		}
	}
}

func TestParsePostForm(t *testing.T) {
	v := &fakeVerifier{ok: true}
	r := NewRequest(v, nil)
	raw := "POST /login.html HTTP/1.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: 27\r\n" +
		"\r\n" +
		"username=a&passwd=b%21+c"
	if !parseString(t, r, raw) {
		t.Fatal("Parse returned false")
	}
	if got := r.GetPost("username"); got != "a" {
		t.Errorf("username = %q, want a", got)
	}
	if got := r.GetPost("passwd"); got != "b! c" {
		t.Errorf("passwd = %q, want %q", got, "b! c")
	}
	if v.calls != 1 || !v.isLogin {
		t.Errorf("verifier calls=%d isLogin=%v, want 1 login call", v.calls, v.isLogin)
	}
	if r.Path() != "/welcome.html" {
		t.Errorf("path = %q, want /welcome.html", r.Path())
	}
}

func TestLoginFailureRewritesToError(t *testing.T) {
	v := &fakeVerifier{ok: false}
	r := NewRequest(v, nil)
	raw := "POST /login.html HTTP/1.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"\r\n" +
		"username=alice&passwd=wrong"
	if !parseString(t, r, raw) {
		t.Fatal("Parse returned false")
	}
	if v.username != "alice" || v.passwd != "wrong" {
		t.Errorf("verifier saw %q/%q", v.username, v.passwd)
	}
	if r.Path() != "/error.html" {
		t.Errorf("path = %q, want /error.html", r.Path())
	}
}

func TestRegisterTag(t *testing.T) {
	v := &fakeVerifier{ok: true}
	r := NewRequest(v, nil)
	raw := "POST /register HTTP/1.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"\r\n" +
		"username=bob&passwd=pw"
	if !parseString(t, r, raw) {
		t.Fatal("Parse returned false")
	}
	if v.isLogin {
		t.Error("register endpoint classified as login")
	}
	if r.Path() != "/welcome.html" {
		t.Errorf("path = %q, want /welcome.html", r.Path())
	}
}

func TestNilVerifierFailsClosed(t *testing.T) {
	r := NewRequest(nil, nil)
	raw := "POST /login.html HTTP/1.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"\r\n" +
		"username=a&passwd=b"
	if !parseString(t, r, raw) {
		t.Fatal("Parse returned false")
	}
	if r.Path() != "/error.html" {
		t.Errorf("path = %q, want /error.html", r.Path())
	}
}

func TestMalformedRequestLine(t *testing.T) {
	for _, raw := range []string{
		"NOT_A_REQUEST\r\n\r\n",
		"GET/index.html HTTP/1.1\r\n\r\n",
		"\r\n\r\n",
	} {
		r := NewRequest(nil, nil)
		if parseString(t, r, raw) {
			t.Errorf("Parse(%q) = true, want false", raw)
		}
	}
}

func TestKeepAlive(t *testing.T) {
	r := NewRequest(nil, nil)
	parseString(t, r, "GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	if !r.IsKeepAlive() {
		t.Error("keep-alive 1.1 not detected")
	}

	r = NewRequest(nil, nil)
	parseString(t, r, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	if r.IsKeepAlive() {
		t.Error("keep-alive claimed for HTTP/1.0")
	}

	r = NewRequest(nil, nil)
	parseString(t, r, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	if r.IsKeepAlive() {
		t.Error("keep-alive claimed for Connection: close")
	}
}

func TestURLDecodeEdgeCases(t *testing.T) {
	r := NewRequest(nil, nil)
	r.Init()
	r.method = "POST"
	r.header["Content-Type"] = "application/x-www-form-urlencoded"
	r.body = "a=1%41&b=x+y%2B&c="
	r.parsePost()
	if got := r.GetPost("a"); got != "1A" {
		t.Errorf("a = %q, want 1A", got)
	}
	if got := r.GetPost("b"); got != "x y+" {
		t.Errorf("b = %q, want %q", got, "x y+")
	}
	if got := r.GetPost("c"); got != "" {
		t.Errorf("c = %q, want empty", got)
	}
}
