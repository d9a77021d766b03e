package v1

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

type AccountLogic struct {
	UserInfo
	ctx  context.Context
	core *core.Core
}

func NewAccountLogic(ctx context.Context, core *core.Core) *AccountLogic {
	return &AccountLogic{
		ctx:      ctx,
		core:     core,
		UserInfo: SetupUserInfo(ctx, core),
	}
}

type ConnectAccountRequest struct {
	ConnectorKind    types.ConnectorKind `json:"connector_kind" binding:"required"`
	ExternalIdentity string              `json:"external_identity"`
	CredentialsRef   string              `json:"credentials_ref"`
}

// ConnectAccount validates the credentials with the connector and records the account.
func (l *AccountLogic) ConnectAccount(req ConnectAccountRequest) (*types.ConnectedAccount, error) {
	if err := l.Identified(); err != nil {
		return nil, err
	}
	registry := l.core.Srv().Connectors()
	if !slices.Contains(registry.Kinds(), req.ConnectorKind) {
		return nil, errors.NewKind("AccountLogic.ConnectAccount", errors.KindInvalid, "unsupported connector kind "+string(req.ConnectorKind), nil)
	}

	account := &types.ConnectedAccount{
		ID:               uuid.NewString(),
		TenantID:         l.TenantID(),
		UserID:           l.UserID(),
		ConnectorKind:    req.ConnectorKind,
		ExternalIdentity: req.ExternalIdentity,
		CredentialsRef:   req.CredentialsRef,
		Status:           types.ACCOUNT_CONNECTED,
	}

	conn, err := registry.New(account)
	if err != nil {
		return nil, errors.Trace("AccountLogic.ConnectAccount.Connector", err)
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.core.Cfg().Sync.ConnectorTimeout)
	defer cancel()
	ok, err := conn.Validate(ctx, req.CredentialsRef)
	if err != nil && !errors.Is(err, errors.KindAuth) {
		return nil, errors.Trace("AccountLogic.ConnectAccount.Validate", err)
	}
	if !ok {
		// kept so the owner can re-authorize without recreating sources
		account.Status = types.ACCOUNT_PENDING_AUTH
	}

	if err = l.core.Store().AccountStore().Create(l.ctx, account); err != nil {
		return nil, errors.Trace("AccountLogic.ConnectAccount.Create", err)
	}
	slog.Info("account connected", slog.String("tenant_id", account.TenantID), slog.String("account_id", account.ID),
		slog.String("connector", string(account.ConnectorKind)), slog.String("status", string(account.Status)))
	return account, nil
}

func (l *AccountLogic) GetAccount(accountID string) (*types.ConnectedAccount, error) {
	if err := l.Identified(); err != nil {
		return nil, err
	}
	account, err := l.core.Store().AccountStore().Get(l.ctx, l.TenantID(), accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewKind("AccountLogic.GetAccount", errors.KindNotFound, "account not found", err)
		}
		return nil, errors.Trace("AccountLogic.GetAccount", err)
	}
	return account, nil
}

func (l *AccountLogic) ListAccounts() ([]*types.ConnectedAccount, error) {
	if err := l.Identified(); err != nil {
		return nil, err
	}
	list, err := l.core.Store().AccountStore().List(l.ctx, types.ListAccountsOptions{TenantID: l.TenantID()})
	if err != nil {
		return nil, errors.Trace("AccountLogic.ListAccounts", err)
	}
	return list, nil
}

type AddSourceRequest struct {
	Kind        types.ItemKind `json:"kind" binding:"required"`
	Name        string         `json:"name" binding:"required"`
	ExternalRef string         `json:"external_ref" binding:"required"`
	Config      types.Metadata `json:"config"`
}

func (l *AccountLogic) AddSource(accountID string, req AddSourceRequest) (*types.Source, error) {
	if !req.Kind.Valid() {
		return nil, errors.NewKind("AccountLogic.AddSource", errors.KindInvalid, "unknown source kind "+string(req.Kind), nil)
	}
	account, err := l.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.Status == types.ACCOUNT_DISCONNECTED {
		return nil, errors.NewKind("AccountLogic.AddSource", errors.KindInvalid, "account is disconnected", nil)
	}

	src := &types.Source{
		ID:          uuid.NewString(),
		TenantID:    account.TenantID,
		AccountID:   account.ID,
		Connector:   account.ConnectorKind,
		Kind:        req.Kind,
		Name:        req.Name,
		ExternalRef: req.ExternalRef,
		Config:      req.Config,
	}
	if src.Config == nil {
		src.Config = types.Metadata{}
	}

	// code repositories are checked for reachability up front
	if req.Kind == types.ITEM_CODE_REPO {
		if err = l.checkBranches(account, src); err != nil {
			return nil, err
		}
	}

	if err = l.core.Store().SourceStore().Create(l.ctx, src); err != nil {
		return nil, errors.Trace("AccountLogic.AddSource.Create", err)
	}
	return src, nil
}

func (l *AccountLogic) checkBranches(account *types.ConnectedAccount, src *types.Source) error {
	conn, err := l.core.Srv().Connectors().New(account)
	if err != nil {
		return errors.Trace("AccountLogic.AddSource.Connector", err)
	}
	lister, ok := conn.(connector.BranchLister)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.core.Cfg().Sync.ConnectorTimeout)
	defer cancel()
	branches, err := lister.ListBranches(ctx, src)
	if err != nil {
		return errors.Trace("AccountLogic.AddSource.ListBranches", err)
	}
	if src.Config.String("branch") == "" {
		for _, b := range branches {
			if b.Default {
				src.Config["branch"] = b.Name
			}
		}
	}
	return nil
}

// Disconnect stops syncing the account and deletes everything indexed from it.
func (l *AccountLogic) Disconnect(accountID string) error {
	account, err := l.GetAccount(accountID)
	if err != nil {
		return err
	}
	syncer := l.core.Syncer()
	if syncer == nil {
		return errors.NewKind("AccountLogic.Disconnect", errors.KindConfiguration, "sync orchestrator is not running", nil)
	}

	// the purge outlives the request that asked for it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), 5*time.Minute)
	defer cancel()
	if err = syncer.ForgetAccount(ctx, account.TenantID, account.ID); err != nil {
		return errors.Trace("AccountLogic.Disconnect.Forget", err)
	}
	if err = l.core.Store().AccountStore().UpdateStatus(ctx, account.TenantID, account.ID, types.ACCOUNT_DISCONNECTED); err != nil {
		return errors.Trace("AccountLogic.Disconnect.UpdateStatus", err)
	}
	slog.Info("account disconnected", slog.String("tenant_id", account.TenantID), slog.String("account_id", account.ID))
	return nil
}
