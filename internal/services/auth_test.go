package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setupAuthConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestAuthService_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()
	service := NewAuthService(db, nil)

	t.Run("successful registration creates user and account", func(t *testing.T) {
		req := RegisterRequest{
			Username: "trolluser42",
			Email:    "test@example.com",
			Password: "password123",
		}

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO users").
			WithArgs(sqlmock.AnyArg(), "trolluser42", "test@example.com", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, req.Email, response.User.Email)
		assert.Equal(t, "user", response.User.Role)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("username too short", func(t *testing.T) {
		body, _ := json.Marshal(RegisterRequest{
			Username: "ab",
			Email:    "test@example.com",
			Password: "password123",
		})
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()
	service := NewAuthService(db, nil)

	t.Run("successful login", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, username, email, role, password FROM users").
			WithArgs("trolluser42").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "role", "password"}).
				AddRow("6e3a1fa0-1111-4222-8333-444455556666", "trolluser42", "test@example.com", "user", hashedPassword))

		mock.ExpectExec("UPDATE users SET last_login").
			WithArgs("6e3a1fa0-1111-4222-8333-444455556666").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := LoginRequest{
			Username: "trolluser42",
			Password: "password123",
		}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("user not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, username, email, role, password FROM users").
			WithArgs("nobody").
			WillReturnError(sql.ErrNoRows)

		body, _ := json.Marshal(LoginRequest{
			Username: "nobody",
			Password: "password123",
		})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		hashedPassword, _ := hashPassword("correct-password")

		mock.ExpectQuery("SELECT id, username, email, role, password FROM users").
			WithArgs("trolluser42").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "role", "password"}).
				AddRow("6e3a1fa0-1111-4222-8333-444455556666", "trolluser42", "test@example.com", "user", hashedPassword))

		body, _ := json.Marshal(LoginRequest{
			Username: "trolluser42",
			Password: "wrong-password",
		})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestPasswordHashing(t *testing.T) {
	setupAuthConfig()

	password := "testpassword"

	hashed, err := hashPassword(password)
	assert.NoError(t, err)
	assert.NotEmpty(t, hashed)

	assert.True(t, verifyPassword(password, hashed))
	assert.False(t, verifyPassword("wrongpassword", hashed))
}

func TestGenerateJWT(t *testing.T) {
	setupAuthConfig()

	token, err := generateJWT("6e3a1fa0-1111-4222-8333-444455556666")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}
