// Copyright 2021 The zombiezen Go Snowflake Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package idclient

import (
	"strings"
)

const bearerAuthPrefix = "Bearer "

// AuthHeader is authentication passed as an Authorization HTTP header value.
// The empty AuthHeader sends no credentials.
type AuthHeader string

// BearerAuthorization returns the authentication for a bearer token.
func BearerAuthorization(token string) AuthHeader {
	return AuthHeader(bearerAuthPrefix + token)
}

// IsValid reports whether the authentication is in a format
// that an ID server will accept.
func (auth AuthHeader) IsValid() bool {
	return strings.HasPrefix(string(auth), bearerAuthPrefix) &&
		auth.Token() != ""
}

// Token returns the token in the auth header or the empty string if the header
// is invalid.
func (auth AuthHeader) Token() string {
	if !strings.HasPrefix(string(auth), bearerAuthPrefix) {
		return ""
	}
	return strings.TrimSpace(string(auth[len(bearerAuthPrefix):]))
}
