package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

var (
	ErrTicketDisabled = errors.New("没有配置审批凭证的签名密钥")
	ErrInvalidTicket  = errors.New("无效的审批凭证")
)

// TicketClaims 审批凭证，审批人通过链接携带凭证即可完成审批，凭证在审批期限到达时失效
type TicketClaims struct {
	Approver string `json:"approver"`
	jwt.RegisteredClaims
}

// IssueTicket 为待审批的调动请求签发审批凭证
func (n *Negotiator) IssueTicket(id string, approver string) (string, error) {
	if len(n.ticketSecret) == 0 {
		return "", ErrTicketDisabled
	}

	tr, err := n.Get(id)
	if err != nil {
		return "", err
	}
	if tr.Status != domain.TransferPending {
		return "", domain.ErrInvalidTransition
	}

	now := n.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TicketClaims{
		Approver: approver,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(tr.ApprovalDeadline),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   tr.ID,
		},
	})
	return token.SignedString(n.ticketSecret)
}

// ApproveWithToken 校验审批凭证并审批对应的调动请求
func (n *Negotiator) ApproveWithToken(ctx context.Context, tokenString string) (domain.TransferRequest, error) {
	if len(n.ticketSecret) == 0 {
		return domain.TransferRequest{}, ErrTicketDisabled
	}

	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return n.ticketSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return n.now() }),
	)
	if err != nil {
		return domain.TransferRequest{}, errors.Join(ErrInvalidTicket, err)
	}

	return n.Approve(ctx, claims.Subject, claims.Approver)
}
