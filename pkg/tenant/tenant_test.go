package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
)

var alice = User{ID: "u1", Username: "alice"}

func TestFilter(t *testing.T) {
	fake := remote.NewInMemory()
	fake.Affiliate("u1", "member-a", "member-b")
	fake.Grant("member-a", "u1", domain.EntityItem.ReadPermission())

	r := NewResolver("central", fake, fake, nil)
	id := domain.Identifier{Type: domain.IdentifierBarcode, Value: "X1"}

	allowed, excluded, err := r.Filter(context.Background(), alice, domain.EntityItem, id, []string{"member-a", "member-b", "member-c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"member-a"}, allowed)
	require.Len(t, excluded, 2)

	assert.Equal(t, errors.CodePermission, excluded[0].Code)
	assert.Equal(t, "User alice does not have required permission to view the item record - barcode=X1 on the tenant member-b", excluded[0].Message)

	assert.Equal(t, errors.CodeAffiliation, excluded[1].Code)
	assert.Equal(t, "User alice does not have required affiliation to view the item record - barcode=X1 on the tenant member-c", excluded[1].Message)
	assert.Equal(t, errors.SeverityError, excluded[1].Severity)
}

func TestFilter_AllExcludedIsNotAnError(t *testing.T) {
	fake := remote.NewInMemory()
	r := NewResolver("central", fake, fake, nil)
	id := domain.Identifier{Type: domain.IdentifierHRID, Value: "ho1"}

	allowed, excluded, err := r.Filter(context.Background(), alice, domain.EntityHolding, id, []string{"member-a"})
	require.NoError(t, err)
	assert.Empty(t, allowed)
	assert.Len(t, excluded, 1)
}

func TestCheckRead(t *testing.T) {
	fake := remote.NewInMemory()
	fake.Grant("local", "u1", domain.EntityUser.ReadPermission())
	r := NewResolver("", fake, fake, nil)
	id := domain.Identifier{Type: domain.IdentifierUserName, Value: "bob"}

	assert.False(t, r.IsCentral("local"))
	require.NoError(t, r.CheckRead(context.Background(), alice, domain.EntityUser, id, "local"))

	err := r.CheckWrite(context.Background(), alice, domain.EntityUser, id, "local")
	require.Error(t, err)
	skipErr, ok := errors.AsSkippable(err)
	require.True(t, ok)
	assert.Equal(t, "User alice does not have required permission to edit the user record - user name=bob on the tenant local", skipErr.Message)
	assert.True(t, errors.Is(err, errors.ErrPermissionDenied))
}
