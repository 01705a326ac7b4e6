package auth

import (
	"strings"

	xerrors "P2PLend-Chain/internal/errors"
)

// 作业接口使用的权限。
const (
	PermJobsRead   = "jobs:read"
	PermJobsSubmit = "jobs:submit"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "missing or invalid bearer token",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.KindConfig,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.KindConfig,
	})
}

var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid bearer token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置认证服务。
type Config struct {
	Mode   Mode
	Tokens []Token
}

// Token 描述一个静态访问令牌。Secret 与 SHA256 二选一，SHA256 为令牌的
// 十六进制摘要。
type Token struct {
	Name        string
	Secret      string
	SHA256      string
	Permissions []string
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func newSubject(name string, perms []string) *Subject {
	s := &Subject{Name: name, Permissions: append([]string(nil), perms...)}
	s.permissionsSet = make(map[string]struct{}, len(perms))
	for _, perm := range perms {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
	return s
}

// HasPermission 判断调用方是否拥有指定权限，"*" 表示全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求调用方拥有全部 perms。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "missing permission "+perm,
				xerrors.WithMetadata("permission", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}
