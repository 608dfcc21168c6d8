package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"task-tracker/domain"
	"task-tracker/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	tasksTable, usersTable := os.Getenv("TASKS_TABLE"), os.Getenv("USERS_TABLE")

	ctx := context.Background()

	if err := createTables(ctx, connStr, []string{tasksTable, usersTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueue(ctx, connStr, os.Getenv("ACTIVITY_QUEUE")); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	if err := createContainer(ctx, connStr, os.Getenv("ATTACHMENTS_CONTAINER")); err != nil {
		log.Fatalf("create container: %v", err)
	}

	if email := os.Getenv("ADMIN_EMAIL"); email != "" && tasksTable != "" && usersTable != "" {
		store, err := storage.New(connStr, tasksTable, usersTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		if err := seedAdmin(ctx, domain.NewUserService(store), email, os.Getenv("ADMIN_NAME"), os.Getenv("ADMIN_PASSWORD")); err != nil {
			log.Fatalf("seed admin: %v", err)
		}
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err = q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

func createContainer(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	client, err := azblob.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err = client.CreateContainer(ctx, name, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return err
	}
	return nil
}

// adminCreator is the part of the user service used for seeding.
type adminCreator interface {
	Create(ctx context.Context, n domain.NewUser) (domain.User, error)
}

func seedAdmin(ctx context.Context, users adminCreator, email, name, password string) error {
	if name == "" {
		name = "Administrator"
	}
	_, err := users.Create(ctx, domain.NewUser{Email: email, Name: name, Role: domain.RoleAdmin, Password: password})
	if errors.Is(err, domain.ErrUserExists) {
		log.WithField("email", email).Info("admin already present")
		return nil
	}
	if err != nil {
		return err
	}
	log.WithField("email", email).Info("admin created")
	return nil
}
