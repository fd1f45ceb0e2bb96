package main

import (
	"errors"
	"fmt"

	"keyvault/internal/apiclient"
	"keyvault/internal/codec"
	"keyvault/internal/config"
	"keyvault/internal/distribution"
	"keyvault/internal/keyhierarchy"
	"keyvault/internal/trust"
)

// Exit codes. Each error class gets its own code so scripts can branch
// without parsing messages.
const (
	exitOK           = 0
	exitFailure      = 1
	exitUsage        = 2
	exitSetupNeeded  = 3
	exitDecryption   = 4
	exitVerification = 5
	exitNetwork      = 6
	exitConflict     = 7
	exitConfig       = 8
)

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case keyhierarchy.IsAbsent(err), errors.Is(err, errNoDeviceKey):
		return exitSetupNeeded
	case errors.Is(err, codec.ErrDecryption):
		return exitDecryption
	case errors.Is(err, distribution.ErrVerification),
		errors.Is(err, trust.ErrInvalidMasterKey),
		errors.Is(err, trust.ErrKeyChanged),
		errors.Is(err, keyhierarchy.ErrCorruptRecord):
		return exitVerification
	case errors.Is(err, keyhierarchy.ErrRotationConflict):
		return exitConflict
	case errors.Is(err, apiclient.ErrNetwork):
		return exitNetwork
	case errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	default:
		return exitFailure
	}
}

// describe turns err into the message printed for the user.
func describe(err error) string {
	var absent *keyhierarchy.AbsentError
	var verr *distribution.VerificationError
	var nerr *apiclient.NetworkError
	var rerr *apiclient.ResponseError

	switch {
	case errors.As(err, &absent):
		return fmt.Sprintf("no %s key on this device; %s", absent.Tier, absent.Hint)
	case errors.Is(err, codec.ErrDecryption):
		return "stored keys cannot be decrypted with this device key (wrong or rotated device key?)"
	case errors.As(err, &verr):
		return fmt.Sprintf("session %s failed verification, nothing was sent: %v", verr.SessionID, verr.Err)
	case errors.Is(err, trust.ErrKeyChanged):
		return "the key server now publishes a different master key than the one you compared; run 'trust compare' again"
	case errors.Is(err, keyhierarchy.ErrRotationConflict):
		return "the account key was rotated by another device; run rotate again"
	case errors.Is(err, keyhierarchy.ErrNotAccepted):
		return err.Error() + "; the server holds a key this device did not save, rotate again"
	case errors.As(err, &rerr):
		return fmt.Sprintf("key server sent unusable data during %s: %v", rerr.Op, rerr.Err)
	case errors.As(err, &nerr):
		if nerr.StatusCode != 0 {
			return fmt.Sprintf("key server error during %s (HTTP %d): %v", nerr.Op, nerr.StatusCode, nerr.Err)
		}
		return fmt.Sprintf("key server unreachable during %s: %v", nerr.Op, nerr.Err)
	default:
		return err.Error()
	}
}
