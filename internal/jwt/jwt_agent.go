package jwt

import "golang.org/x/crypto/bcrypt"

func NewAgent(agent RegisterAgent) (Agent, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(agent.Password), 10)
	if err != nil {
		return Agent{}, err
	}

	return Agent{
		Email:        agent.Email,
		PasswordHash: string(hashedPassword),
	}, nil
}

func ValidatePassword(hashedPassword, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil
}
