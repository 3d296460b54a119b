package assetgateway

import "errors"

// ErrInvalidIdentifier is returned for input that does not match the public
// identifier format. It is always raised before any backend interaction.
var ErrInvalidIdentifier = errors.New("invalid public identifier")
