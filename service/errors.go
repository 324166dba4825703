/*************************************************************************
 * Copyright 2023 uib GmbH <info@uib.de>
 * All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * AGPL-3.0 license. See the LICENSE file for details.
 **************************************************************************/

package service

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotConnected  = errors.New("service not connected")
	ErrAuthFailed    = errors.New("service authentication failed")
	ErrInvalidHostId = errors.New("invalid host id")
)

// IsFatalConnectError reports whether a connect attempt must not be
// retried. Bad credentials and certificate problems stay bad no matter
// how often we knock.
func IsFatalConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	var cvErr *tls.CertificateVerificationError
	if errors.As(err, &cvErr) {
		return true
	}
	var uaErr x509.UnknownAuthorityError
	var hnErr x509.HostnameError
	var ciErr x509.CertificateInvalidError
	return errors.As(err, &uaErr) || errors.As(err, &hnErr) || errors.As(err, &ciErr)
}
