package scope

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/UnitedCTF/zync/internal/auth"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Scope identifies the requester for the lifecycle manager. It is resolved
// once per request from the ambient claims and passed by value; operations
// must never re-derive it mid-flight.
type Scope struct {
	OwnerKey  uint
	Role      Role
	OwnerName string
}

func (s Scope) IsAdmin() bool { return s.Role == RoleAdmin }

// Resolve computes the owner key from the request identity: the team id in
// teams mode, the user id otherwise. Never both.
func Resolve(claims *auth.Claims, teamsMode bool) (Scope, error) {
	sc := Scope{Role: RoleUser, OwnerName: OwnerName(claims.Email)}
	if claims.Role == string(RoleAdmin) {
		sc.Role = RoleAdmin
	}
	if teamsMode {
		if claims.TeamID == 0 {
			return Scope{}, fmt.Errorf("user %d does not belong to a team", claims.UserID)
		}
		sc.OwnerKey = claims.TeamID
		return sc, nil
	}
	if claims.UserID == 0 {
		return Scope{}, fmt.Errorf("missing user id in claims")
	}
	sc.OwnerKey = claims.UserID
	return sc, nil
}

// OwnerName derives a stable pseudonym for the owner from their email, used
// as the user_name deploy parameter. It keeps PII out of the parameters;
// it is a naming convenience, not a security control.
func OwnerName(email string) string {
	sum := md5.Sum([]byte(email))
	return hex.EncodeToString(sum[:])[:10]
}
