package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSystemPrompt_AppendsChannelRules(t *testing.T) {
	got := buildSystemPrompt("Eres TutorIA.\n\n\n\n  ✅ Para confirmaciones  \n")
	require.True(t, strings.HasPrefix(got, "Eres TutorIA.\n\n  ✅ Para confirmaciones\n\nChannel Rules:\n"))
	require.Contains(t, got, "4096")
}

func TestBuildSystemPrompt_EmptyPersona(t *testing.T) {
	got := buildSystemPrompt("   \n  ")
	require.True(t, strings.HasPrefix(got, "Channel Rules:"))
}

func TestNormalizePromptInput(t *testing.T) {
	require.Equal(t, "a\n\nb", normalizePromptInput("\n\na   \n\n\n\nb\n\n"))
	require.Equal(t, "a\n  - b", normalizePromptInput("a\n  - b"))
	require.Equal(t, "", normalizePromptInput(" \n\t\n"))
}
