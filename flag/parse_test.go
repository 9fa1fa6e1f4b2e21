package flag

import "testing"

func TestParseServeArgsDefault(t *testing.T) {
	t.Parallel()

	c, err := parseServeArgs(nil)
	if err != nil {
		t.Fatalf("parseServeArgs: %v", err)
	}

	if c.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", c.Addr)
	}
}

func TestParseMigrateArgs(t *testing.T) {
	t.Parallel()

	c, err := parseMigrateArgs([]string{
		"-source", "http://10.0.0.1:8080",
		"-id", "5f0d9c4e-8b0a-4c3a-9b0e-111111111111",
		"-migration-id", "5f0d9c4e-8b0a-4c3a-9b0e-222222222222",
		"-m", "2G",
		"-c", "4",
	})
	if err != nil {
		t.Fatalf("parseMigrateArgs: %v", err)
	}

	if c.SourceAddr != "http://10.0.0.1:8080" {
		t.Errorf("SourceAddr = %q", c.SourceAddr)
	}

	if c.MemSize != 2<<30 {
		t.Errorf("MemSize = %d, want %d", c.MemSize, 2<<30)
	}

	if c.NCPUs != 4 {
		t.Errorf("NCPUs = %d, want 4", c.NCPUs)
	}
}

func TestParseStatusArgs(t *testing.T) {
	t.Parallel()

	c, err := parseStatusArgs([]string{"-addr", "http://10.0.0.1:8080", "-id", "5f0d9c4e-8b0a-4c3a-9b0e-111111111111"})
	if err != nil {
		t.Fatalf("parseStatusArgs: %v", err)
	}

	if c.Addr != "http://10.0.0.1:8080" {
		t.Errorf("Addr = %q", c.Addr)
	}
}
