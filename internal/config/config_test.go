package config_test

import (
	"testing"

	"github.com/clinicboard/reportpipe/internal/config"
	"github.com/stretchr/testify/require"
)

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

var allVariablesExceptEnv = []string{"DB_HOST", "DB_PASSWORD", "DB_USERNAME", "SENTRY_DSN"}

func TestGetConfig(t *testing.T) {
	compareConfig := func(databaseHost, username, password, sentryDSN string, env environment, conf config.Config) {
		t.Helper()
		require.Equal(t, databaseHost, conf.DatabaseHost())
		require.Equal(t, username, conf.DBUsername())
		require.Equal(t, password, conf.DBPassword())
		require.Equal(t, sentryDSN, conf.SentryDSN())
		require.Equal(t, env == production, conf.IsProduction())
		require.Equal(t, env == staging, conf.IsStaging())
		require.Equal(t, env == development, conf.IsDevelopment())
	}

	t.Run("ensure base environment is clean", func(t *testing.T) {
		t.Run("environment is missing", func(t *testing.T) {
			// REPORTPIPE_ENVIRONMENT is required, so this should fail
			_, err := config.ConfigFromEnv()
			require.ErrorIs(t, err, config.ErrMissingRequiredValue)
		})

		t.Run("development environment should be empty", func(t *testing.T) {
			t.Setenv("REPORTPIPE_ENVIRONMENT", "development")

			conf, err := config.ConfigFromEnv()
			require.NoError(t, err)
			compareConfig("", "", "", "", development, conf)
		})
	})

	t.Run("values are read correctly", func(t *testing.T) {
		for _, variable := range allVariablesExceptEnv {
			t.Setenv(variable, variable)
		}

		for _, env := range []environment{production, staging, development} {
			t.Run(string(env), func(t *testing.T) {
				t.Setenv("REPORTPIPE_ENVIRONMENT", string(env))

				conf, err := config.ConfigFromEnv()
				require.NoError(t, err)
				compareConfig("DB_HOST", "DB_USERNAME", "DB_PASSWORD", "SENTRY_DSN", env, conf)
			})
		}

	})

	t.Run("port defaults when unset", func(t *testing.T) {
		t.Setenv("REPORTPIPE_ENVIRONMENT", "development")

		conf, err := config.ConfigFromEnv()
		require.NoError(t, err)
		require.Equal(t, "8080", conf.Port())

		t.Setenv("PORT", "9999")
		conf, err = config.ConfigFromEnv()
		require.NoError(t, err)
		require.Equal(t, "9999", conf.Port())
	})

	t.Run("production and staging fail when missing variables", func(t *testing.T) {
		// Set all variables
		for _, variable := range allVariablesExceptEnv {
			t.Setenv(variable, "placeholder_value")
		}

		for _, env := range []environment{production, staging} {
			t.Run(string(env), func(t *testing.T) {
				t.Setenv("REPORTPIPE_ENVIRONMENT", string(env))

				for _, variable := range allVariablesExceptEnv {
					t.Run(variable, func(t *testing.T) {
						t.Setenv(variable, "")

						_, err := config.ConfigFromEnv()
						require.ErrorIs(t, err, config.ErrMissingRequiredValue)
					})
				}
			})
		}
	})

	t.Run("invalid environment", func(t *testing.T) {
		for _, env := range []string{"", "invalid", "my-env"} {
			t.Run(env, func(t *testing.T) {
				t.Setenv("REPORTPIPE_ENVIRONMENT", "")
				_, err := config.ConfigFromEnv()
				require.ErrorIs(t, err, config.ErrInvalidValue)
			})
		}
	})
}
