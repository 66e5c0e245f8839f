package sshconn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pocketmux/pocketmux/schema"
)

func authMethods(params schema.ConnectParams) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(params.PrivateKey) > 0 {
		signer, err := parseSigner(params.PrivateKey, params.Passphrase)
		if err != nil {
			return nil, &schema.ConnectError{Kind: schema.ConnectKey, Err: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if params.Password != "" {
		password := params.Password
		// Invoked lazily, only if the server challenges for a password.
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return password, nil
		}))
	}
	if params.Password != "" || params.TOTPSecret != "" {
		methods = append(methods, ssh.KeyboardInteractive(challengeAnswerer(params)))
	}
	if len(methods) == 0 {
		return nil, schema.ErrNoAuthMethod
	}
	return methods, nil
}

// parseSigner attempts a plain parse first and falls back to a
// passphrase-protected parse before giving up.
func parseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(key)
	if err == nil {
		return signer, nil
	}
	if passphrase != "" {
		signer, err2 := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		if err2 == nil {
			return signer, nil
		}
		return nil, fmt.Errorf("parse private key with passphrase: %w", err2)
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("private key is encrypted and no passphrase was given: %w", err)
	}
	return nil, fmt.Errorf("parse private key: %w", err)
}

// challengeAnswerer answers keyboard-interactive prompts: verification
// code prompts get a generated TOTP code when a secret is configured,
// everything else gets the password.
func challengeAnswerer(params schema.ConnectParams) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, question := range questions {
			if params.TOTPSecret != "" && looksLikeCodePrompt(question) {
				code, err := totp.GenerateCode(params.TOTPSecret, time.Now())
				if err != nil {
					return nil, fmt.Errorf("generate totp code: %w", err)
				}
				answers[i] = code
				continue
			}
			answers[i] = params.Password
		}
		return answers, nil
	}
}

func looksLikeCodePrompt(question string) bool {
	q := strings.ToLower(question)
	return strings.Contains(q, "code") ||
		strings.Contains(q, "otp") ||
		strings.Contains(q, "token")
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return callback, nil
}
