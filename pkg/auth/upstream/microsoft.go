// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/stacklok/authcore/pkg/auth/pkce"
	"github.com/stacklok/authcore/pkg/auth/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

const (
	// DefaultMicrosoftTenant accepts work, school and personal accounts.
	DefaultMicrosoftTenant = "common"

	microsoftGraphMeURL = "https://graph.microsoft.com/v1.0/me"
)

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	JobTitle          string `json:"jobTitle"`
}

// MicrosoftStrategy returns the strategy for the Microsoft identity platform.
// tenant selects the authority; empty means DefaultMicrosoftTenant.
func MicrosoftStrategy(tenant string) Strategy {
	if tenant == "" {
		tenant = DefaultMicrosoftTenant
	}
	return Strategy{
		Type:          ProviderTypeMicrosoft,
		DisplayName:   "Microsoft",
		Endpoint:      endpoints.AzureAD(tenant),
		UserInfoURL:   microsoftGraphMeURL,
		DefaultScopes: []string{"openid", "profile", "email", "offline_access", "User.Read"},
	}
}

// NewMicrosoftProvider creates a Microsoft provider for cfg.TenantID.
func NewMicrosoftProvider(cfg Config, store storage.Store, pkceStore pkce.Store, opts ...Option) (*OAuthProvider, error) {
	s := MicrosoftStrategy(cfg.TenantID)
	cfg.applyOverrides(&s)
	s.MapUserInfo = microsoftUserInfo(s.UserInfoURL)
	return NewOAuthProvider(s, cfg, store, pkceStore, opts...)
}

// microsoftUserInfo reads the Graph profile. When Graph is unreachable or
// the token lacks User.Read, the identity comes from the ID token instead.
func microsoftUserInfo(meURL string) func(context.Context, *Fetcher, *oauth2.Token) (*storage.UserInfo, error) {
	return func(ctx context.Context, f *Fetcher, token *oauth2.Token) (*storage.UserInfo, error) {
		var me graphUser
		graphErr := f.GetJSON(ctx, meURL, token.AccessToken, &me)
		if graphErr == nil && me.ID != "" {
			email := me.Mail
			if email == "" {
				email = me.UserPrincipalName
			}
			info := &storage.UserInfo{
				Sub:   me.ID,
				Email: email,
				Name:  me.DisplayName,
				Extra: map[string]any{"user_principal_name": me.UserPrincipalName},
			}
			if me.JobTitle != "" {
				info.Extra["job_title"] = me.JobTitle
			}
			return info, nil
		}

		idToken, _ := token.Extra("id_token").(string)
		if idToken == "" {
			if graphErr == nil {
				graphErr = errors.New("graph profile has no id")
			}
			return nil, graphErr
		}
		logger.Debugw("falling back to ID token claims for Microsoft user", "graph_error", graphErr)
		return idTokenUserInfo(idToken)
	}
}

// idTokenUserInfo reads identity claims from an ID token received directly
// from the token endpoint. The signature is not checked.
func idTokenUserInfo(raw string) (*storage.UserInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}

	str := func(key string) string {
		v, _ := claims[key].(string)
		return v
	}

	sub := str("oid")
	if sub == "" {
		sub = str("sub")
	}
	email := str("email")
	if email == "" {
		email = str("preferred_username")
	}

	info := &storage.UserInfo{
		Sub:   sub,
		Email: email,
		Name:  str("name"),
	}
	if tid := str("tid"); tid != "" {
		info.Extra = map[string]any{"tenant_id": tid}
	}
	return info, nil
}
