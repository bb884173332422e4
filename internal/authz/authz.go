// Package authz decides, per role, which operations the HTTP boundary allows.
// Ownership checks stay in the service layer.
package authz

import (
	"fmt"

	"order-fulfillment/internal/models"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Resources
const (
	ResourceOrders   = "orders"
	ResourceProducts = "products"
	ResourceEvents   = "events"
)

// Actions
const (
	ActionCreate    = "create"
	ActionRead      = "read"
	ActionList      = "list"
	ActionUpdate    = "update"
	ActionDelete    = "delete"
	ActionSubscribe = "subscribe"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var defaultPolicies = [][]string{
	{string(models.RoleUser), ResourceOrders, ActionCreate},
	{string(models.RoleUser), ResourceOrders, ActionRead},
	{string(models.RoleUser), ResourceOrders, ActionList},
	{string(models.RoleUser), ResourceProducts, ActionList},
	{string(models.RoleUser), ResourceEvents, ActionSubscribe},
	{string(models.RoleAdmin), ResourceOrders, ActionUpdate},
	{string(models.RoleAdmin), ResourceOrders, ActionDelete},
}

type Enforcer struct {
	enforcer *casbin.Enforcer
}

// NewEnforcer builds the RBAC enforcer. ADMIN inherits every USER permission.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RBAC model: %w", err)
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RBAC enforcer: %w", err)
	}

	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, fmt.Errorf("failed to load RBAC policies: %w", err)
	}
	if _, err := e.AddGroupingPolicy(string(models.RoleAdmin), string(models.RoleUser)); err != nil {
		return nil, fmt.Errorf("failed to load RBAC roles: %w", err)
	}

	return &Enforcer{enforcer: e}, nil
}

// Allowed reports whether role may perform act on obj
func (e *Enforcer) Allowed(role models.Role, obj, act string) (bool, error) {
	allowed, err := e.enforcer.Enforce(string(role), obj, act)
	if err != nil {
		return false, fmt.Errorf("RBAC permission check failed: %w", err)
	}
	return allowed, nil
}
