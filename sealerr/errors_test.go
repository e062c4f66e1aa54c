package sealerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeClasses(t *testing.T) {
	cases := map[Code]Class{
		CodeInvalidLabel:          ClassConfig,
		CodeInvalidThreshold:      ClassConfig,
		CodeKeyServiceUnavailable: ClassTransient,
		CodeThresholdNotMet:       ClassTransient,
		CodeIdentityMismatch:      ClassCorruption,
		CodeIntegrityError:        ClassCorruption,
		CodePolicyDenied:          ClassAuthorization,
		CodeMalformedCredential:   ClassAuthorization,
		CodeUnsupportedCredential: ClassAuthorization,
		CodeNoAccess:              ClassTerminal,
		CodeCancelled:             ClassTerminal,
		CodeServiceUnavailable:    ClassTerminal,
	}
	for code, want := range cases {
		require.Equal(t, want, code.Class(), "code %s", code)
	}
	require.Equal(t, ClassUnknown, Code("bogus").Class())
}

func TestIsFollowsWrappedChain(t *testing.T) {
	inner := New(CodeKeyServiceUnavailable, "dial failed")
	outer := Wrap(CodeServiceUnavailable, "retries exhausted", inner)
	wrapped := fmt.Errorf("decrypt: %w", outer)

	require.True(t, Is(wrapped, CodeServiceUnavailable))
	require.True(t, Is(wrapped, CodeKeyServiceUnavailable))
	require.False(t, Is(wrapped, CodeNoAccess))
	require.Equal(t, CodeServiceUnavailable, CodeOf(wrapped))
	require.True(t, errors.Is(wrapped, &Error{Code: CodeKeyServiceUnavailable}))
}

func TestClassOfContextErrors(t *testing.T) {
	require.Equal(t, ClassTerminal, ClassOf(context.Canceled))
	require.Equal(t, ClassTransient, ClassOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	require.True(t, IsTransient(New(CodeThresholdNotMet, "")))
	require.False(t, IsTransient(New(CodePolicyDenied, "")))
	require.Equal(t, ClassUnknown, ClassOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	require.Equal(t, "NoAccess", New(CodeNoAccess, "").Error())
	require.Equal(t, "InvalidLabel: label is empty", New(CodeInvalidLabel, "label is empty").Error())
}
