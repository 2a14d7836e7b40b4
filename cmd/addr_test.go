package cmd

import "testing"

func TestValidateAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "port only", addr: ":3600", wantErr: false},
		{name: "localhost", addr: "localhost:3600", wantErr: false},
		{name: "loopback", addr: "127.0.0.1:3600", wantErr: false},
		{name: "all interfaces", addr: "0.0.0.0:80", wantErr: false},
		{name: "ipv6 loopback", addr: "[::1]:8080", wantErr: false},
		{name: "port zero", addr: ":0", wantErr: false},
		{name: "hostname", addr: "quellen.internal:9090", wantErr: false},

		{name: "no port", addr: "localhost", wantErr: true},
		{name: "bare number", addr: "3600", wantErr: true},
		{name: "empty string", addr: "", wantErr: true},
		{name: "port non-numeric", addr: ":abc", wantErr: true},
		{name: "port too high", addr: ":65536", wantErr: true},
		{name: "port empty after colon", addr: "localhost:", wantErr: true},
		{name: "host with space", addr: "my host:8080", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateAddr(tt.addr)
			if tt.wantErr && err == nil {
				t.Errorf("validateAddr(%q) = nil, want error", tt.addr)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validateAddr(%q) = %v, want nil", tt.addr, err)
			}
		})
	}
}
