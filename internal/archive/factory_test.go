package archive

import (
	"context"
	"testing"

	"filemon/internal/config"
)

func TestNewArchiveFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ArchiveConfig
		wantErr bool
		wantNil bool
	}{
		{
			name:    "disabled",
			cfg:     config.ArchiveConfig{},
			wantErr: false,
			wantNil: true,
		},
		{
			name:    "memory archive",
			cfg:     config.ArchiveConfig{Type: "memory"},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "filesystem archive",
			cfg:     config.ArchiveConfig{Type: "filesystem", FSRoot: "will be replaced"},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "filesystem archive without root",
			cfg:     config.ArchiveConfig{Type: "filesystem"},
			wantErr: true,
			wantNil: true,
		},
		{
			name: "s3 archive with static credentials",
			cfg: config.ArchiveConfig{
				Type:              "s3",
				S3Bucket:          "my-bucket",
				S3Region:          "eu-central-1",
				S3AccessKeyID:     "AKIDEXAMPLE",
				S3SecretAccessKey: "secret",
			},
			wantErr: false,
			wantNil: false,
		},
		{
			name:    "s3 archive without bucket",
			cfg:     config.ArchiveConfig{Type: "s3"},
			wantErr: true,
			wantNil: true,
		},
		{
			name:    "unknown archive type",
			cfg:     config.ArchiveConfig{Type: "tape"},
			wantErr: true,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if cfg.FSRoot == "will be replaced" {
				cfg.FSRoot = t.TempDir()
			}

			got, err := NewArchiveFromConfig(context.Background(), cfg)

			if (err != nil) != tt.wantErr {
				t.Errorf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("NewArchiveFromConfig() returned nil = %v, wantNil %v", got == nil, tt.wantNil)
			}
		})
	}
}
