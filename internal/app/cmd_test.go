package app

import "testing"

// TestParseCommand はサブコマンド解析をテストする。
func TestParseCommand(t *testing.T) {
	cases := []struct {
		args []string
		want Command
	}{
		{nil, CommandServe},
		{[]string{}, CommandServe},
		{[]string{"serve"}, CommandServe},
		{[]string{"worker"}, CommandWorker},
		{[]string{"migrate"}, CommandMigrate},
		{[]string{"healthcheck"}, CommandHealthcheck},
		{[]string{"unknown"}, CommandServe},
		{[]string{"worker", "extra"}, CommandWorker},
	}

	for _, tc := range cases {
		if got := ParseCommand(tc.args); got != tc.want {
			t.Errorf("ParseCommand(%v) = %v, want %v", tc.args, got, tc.want)
		}
	}
}
