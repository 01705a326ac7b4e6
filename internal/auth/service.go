package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/pkg/logger"
)

type credential struct {
	name   string
	digest [sha256.Size]byte
	perms  []string
}

// Service 校验作业接口的 Bearer 令牌。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 构造认证服务。token 模式至少需要一个令牌。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("不支持的认证模式 %s", cfg.Mode),
			xerrors.WithMetadata("field", "server.auth.mode"))
	}

	for i, token := range cfg.Tokens {
		cred, err := newCredential(i, token)
		if err != nil {
			return nil, err
		}
		svc.credentials = append(svc.credentials, cred)
	}
	if len(svc.credentials) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "token 认证模式至少需要一个令牌",
			xerrors.WithMetadata("field", "server.auth.tokens"))
	}
	return svc, nil
}

func newCredential(index int, token Token) (credential, error) {
	name := strings.TrimSpace(token.Name)
	if name == "" {
		name = fmt.Sprintf("token-%d", index)
	}
	field := fmt.Sprintf("server.auth.tokens[%d]", index)
	cred := credential{name: name, perms: token.Permissions}
	if len(cred.perms) == 0 {
		cred.perms = []string{PermJobsRead, PermJobsSubmit}
	}

	secret := strings.TrimSpace(token.Secret)
	digest := strings.TrimSpace(token.SHA256)
	switch {
	case secret != "":
		cred.digest = sha256.Sum256([]byte(secret))
	case digest != "":
		raw, err := hex.DecodeString(digest)
		if err != nil || len(raw) != sha256.Size {
			return credential{}, xerrors.New(xerrors.CodeConfigInvalid, "令牌摘要必须是 64 位十六进制",
				xerrors.WithMetadata("field", field+".sha256"))
		}
		copy(cred.digest[:], raw)
	default:
		return credential{}, xerrors.New(xerrors.CodeConfigInvalid, "令牌未配置 secret 或 sha256",
			xerrors.WithMetadata("field", field))
	}
	return cred, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头并返回调用方。
func (s *Service) AuthenticateRequest(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var matched *credential
	for i := range s.credentials {
		// 比较全部令牌，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 && matched == nil {
			matched = &s.credentials[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return newSubject(matched.name, matched.perms), nil
}
