package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePlatform(t *testing.T) {
	cases := map[string]Family{
		"linux":      FamilyUnix,
		"LINUX":      FamilyUnix,
		" Unix ":     FamilyUnix,
		"Windows 10": FamilyWindows,
		"XP":         FamilyWindows,
		"OS X":       FamilyMac,
		"Sierra":     FamilyMac,
		"ANY":        FamilyAny,
	}

	for name, expected := range cases {
		family, ok := ResolvePlatform(name)
		assert.True(t, ok, name)
		assert.Equal(t, expected, family, name)
	}

	_, ok := ResolvePlatform("plan9")
	assert.False(t, ok)
}

func TestMatchesBrowserIgnoresCaseAndWhitespace(t *testing.T) {
	assert.True(t, Matches(Profile{Browser: "Internet Explorer"}, Profile{Browser: "internetexplorer"}))
	assert.True(t, Matches(Profile{Browser: " FIREFOX"}, Profile{Browser: "firefox"}))
	assert.False(t, Matches(Profile{Browser: "chrome"}, Profile{Browser: "firefox"}))
}

func TestMatchesVersionOnlyWhenRequested(t *testing.T) {
	assert.True(t, Matches(Profile{Browser: "chrome"}, Profile{Browser: "chrome", Version: "120"}))
	assert.True(t, Matches(Profile{Browser: "chrome", Version: "120"}, Profile{Browser: "chrome", Version: "120"}))
	assert.False(t, Matches(Profile{Browser: "chrome", Version: "120"}, Profile{Browser: "chrome", Version: "121"}))
	assert.False(t, Matches(Profile{Browser: "chrome", Version: "120"}, Profile{Browser: "chrome"}))
}

func TestMatchesPlatform(t *testing.T) {
	tests := []struct {
		name      string
		desired   string
		candidate string
		expected  bool
	}{
		{"desired unspecified", "", "windows", true},
		{"desired unspecified, candidate unspecified", "", "", true},
		{"desired any", "ANY", "", true},
		{"candidate unspecified", "linux", "", false},
		{"candidate any", "linux", "ANY", true},
		{"same family", "linux", "UNIX", true},
		{"windows aliases", "win10", "XP", true},
		{"different family", "mac", "linux", false},
		{"unknown names compare literally", "plan9", "Plan 9", true},
		{"unknown against known", "plan9", "linux", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Matches(
				Profile{Browser: "firefox", Platform: tt.desired},
				Profile{Browser: "firefox", Platform: tt.candidate},
			))
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t,
		Profile{Browser: "Fire Fox", Version: "1", Platform: "linux"}.Key(),
		Profile{Browser: "firefox", Version: "1", Platform: "UNIX"}.Key(),
	)
	assert.NotEqual(t,
		Profile{Browser: "firefox"}.Key(),
		Profile{Browser: "firefox", Platform: "linux"}.Key(),
	)
}

func TestIsLinuxFamily(t *testing.T) {
	assert.True(t, IsLinuxFamily("Linux"))
	assert.False(t, IsLinuxFamily("ANY"))
	assert.False(t, IsLinuxFamily(""))
}

func TestLinuxServes(t *testing.T) {
	for platform, expected := range map[string]bool{
		"":        true,
		"ANY":     true,
		"linux":   true,
		"Android": true,
		"win10":   false,
		"mac":     false,
		"plan9":   false,
	} {
		assert.Equal(t, expected, LinuxServes(platform), platform)
	}
}
