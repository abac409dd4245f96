package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestValidateURL_Blocked はブロック対象URLの拒否をテストする。
func TestValidateURL_Blocked(t *testing.T) {
	guard := NewSSRFGuard()

	cases := []struct {
		name string
		url  string
	}{
		{"空URL", ""},
		{"fileスキーム", "file:///etc/passwd"},
		{"ftpスキーム", "ftp://example.com/feed"},
		{"ホストなし", "http://"},
		{"localhost", "http://localhost/feed"},
		{"大文字のlocalhost", "http://LOCALHOST:8080/feed"},
		{"ループバックIP", "http://127.0.0.1/feed"},
		{"プライベートIP 10系", "http://10.0.0.5/feed"},
		{"プライベートIP 172系", "http://172.16.0.1/feed"},
		{"プライベートIP 192系", "http://192.168.1.1/feed"},
		{"クラウドメタデータIP", "http://169.254.169.254/latest/meta-data/"},
		{"カレントネットワーク", "http://0.0.0.0/feed"},
		{"IPv6ループバック", "http://[::1]/feed"},
		{"IPv6リンクローカル", "http://[fe80::1]/feed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := guard.ValidateURL(tc.url); err == nil {
				t.Errorf("ValidateURL(%q) は拒否されるべきです", tc.url)
			}
		})
	}
}

// TestValidateURL_Allowed は正当な外部URLの通過をテストする。
func TestValidateURL_Allowed(t *testing.T) {
	guard := NewSSRFGuard()

	cases := []string{
		"https://example.com/feed.xml",
		"http://blog.example/rss",
		"https://mirror.example:443/alice/status/100",
		"http://93.184.216.34/feed",
	}

	for _, u := range cases {
		if err := guard.ValidateURL(u); err != nil {
			t.Errorf("ValidateURL(%q) は通過すべきです: %v", u, err)
		}
	}
}

// TestNewSafeClient はSSRF防止クライアントの生成とタイムアウト設定をテストする。
func TestNewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()

	client := guard.NewSafeClient(10*time.Second, 1<<20)
	if client == nil {
		t.Fatal("クライアントが生成されるべきです")
	}
	if client.Timeout != 10*time.Second {
		t.Errorf("タイムアウトが設定されるべきです: got %v", client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("SSRF検証付きのカスタムTransportが設定されるべきです")
	}
}

// TestNewSafeClient_BlocksLoopback はSafeClientがループバックへの
// リクエストをブロックすることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、Dialer検証がブロックする。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewSSRFGuard()
	client := guard.NewSafeClient(5*time.Second, 1<<20)

	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("ループバックへのリクエストはブロックされるべきです")
	}
}
