package credentials

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrPasswordMismatch = errors.New("password mismatch")

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// CheckPassword verifies password for username. Unknown users still pay for a
// bcrypt comparison so response timing does not reveal which usernames exist.
func (s *Store) CheckPassword(username, password string) (User, error) {
	user, err := s.User(username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(placeholderHash(), []byte(password))
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return User{}, ErrPasswordMismatch
	}
	return user, nil
}

func placeholderHash() []byte {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("gearwatch-placeholder"), bcrypt.DefaultCost)
	})
	return dummyHash
}
