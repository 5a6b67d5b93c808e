package tools

import "testing"

func TestStripCwdSentinel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		wantOut string
		wantCwd string
	}{
		{
			name:    "sentinel after output",
			in:      "file1\nfile2\n__MAMA_CWD=/home/user/project\n",
			wantOut: "file1\nfile2",
			wantCwd: "/home/user/project",
		},
		{
			name:    "no sentinel",
			in:      "plain output\n",
			wantOut: "plain output\n",
			wantCwd: "",
		},
		{
			name:    "empty command output",
			in:      "__MAMA_CWD=/tmp\n",
			wantOut: "",
			wantCwd: "/tmp",
		},
		{
			name:    "sentinel-like text in output",
			in:      "echo __MAMA_CWD=fake\n__MAMA_CWD=/real\n",
			wantOut: "echo __MAMA_CWD=fake",
			wantCwd: "/real",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOut, gotCwd := stripCwdSentinel(tt.in)
			if gotOut != tt.wantOut {
				t.Errorf("output = %q, want %q", gotOut, tt.wantOut)
			}
			if gotCwd != tt.wantCwd {
				t.Errorf("cwd = %q, want %q", gotCwd, tt.wantCwd)
			}
		})
	}
}
