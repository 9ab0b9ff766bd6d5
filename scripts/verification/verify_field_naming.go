// +build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionDocument mirrors the storage schema with its camelCase field names
type SessionDocument struct {
	ID           string            `bson:"_id"`
	Category     string            `bson:"cat"`
	Status       string            `bson:"status"`
	CounselorID  string            `bson:"counselorId,omitempty"`
	StudentID    string            `bson:"studentId"`
	Messages     []MessageDocument `bson:"msgs"`
	CreatedAt    time.Time         `bson:"ts"`
	LastActivity time.Time         `bson:"lastActivity"`
	ClosedAt     *time.Time        `bson:"closedTs,omitempty"`
}

// MessageDocument mirrors the stored message form
type MessageDocument struct {
	ID        string    `bson:"id"`
	Sender    string    `bson:"sender"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"ts"`
}

func main() {
	fmt.Println("=== MongoDB Field Naming Verification ===")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI("mongodb://127.0.0.1:27017")
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	fmt.Println("✓ Connected to MongoDB")

	collection := client.Database("test_field_naming").Collection("sessions")
	collection.Drop(ctx)
	fmt.Println("✓ Cleaned up test collection")

	// Test 1: Insert a document and check the stored field names.
	fmt.Println("\nTest 1: Creating document with camelCase field names...")
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := SessionDocument{
		ID:          "test-session-1",
		Category:    "academic",
		Status:      "active",
		CounselorID: "counselor-456",
		StudentID:   "student-123",
		Messages: []MessageDocument{
			{ID: "msg-1", Sender: "anonymous", Content: "hello", Timestamp: now},
		},
		CreatedAt:    now,
		LastActivity: now,
	}

	if _, err = collection.InsertOne(ctx, doc); err != nil {
		log.Fatalf("Failed to insert document: %v", err)
	}
	fmt.Println("✓ Document inserted")

	fmt.Println("\nTest 2: Verifying field names in MongoDB...")
	var rawDoc bson.M
	if err = collection.FindOne(ctx, bson.M{"_id": "test-session-1"}).Decode(&rawDoc); err != nil {
		log.Fatalf("Failed to find document: %v", err)
	}

	expectedFields := []string{"cat", "status", "counselorId", "studentId", "msgs", "ts", "lastActivity"}
	allFieldsCorrect := true
	for _, field := range expectedFields {
		if _, exists := rawDoc[field]; !exists {
			fmt.Printf("✗ Field '%s' not found in document\n", field)
			allFieldsCorrect = false
		} else {
			fmt.Printf("✓ Field '%s' exists\n", field)
		}
	}

	oldFields := []string{"category", "counselor_id", "student_id", "messages", "created_at", "last_activity", "closed_at"}
	for _, field := range oldFields {
		if _, exists := rawDoc[field]; exists {
			fmt.Printf("✗ Old snake_case field '%s' still exists (should be removed)\n", field)
			allFieldsCorrect = false
		}
	}

	if allFieldsCorrect {
		fmt.Println("\n✓ All field names are correct (camelCase)")
	} else {
		fmt.Println("\n✗ Some field names are incorrect")
	}

	// Test 3: The queries the service runs must resolve against these names.
	fmt.Println("\nTest 3: Querying by 'status' field...")
	var result SessionDocument
	if err = collection.FindOne(ctx, bson.M{"status": "active"}).Decode(&result); err != nil {
		log.Fatalf("Failed to query by status: %v", err)
	}
	fmt.Printf("✓ Query by 'status' successful: found session '%s'\n", result.ID)

	fmt.Println("\nTest 4: Querying by 'counselorId' field...")
	if err = collection.FindOne(ctx, bson.M{"counselorId": "counselor-456"}).Decode(&result); err != nil {
		log.Fatalf("Failed to query by counselorId: %v", err)
	}
	fmt.Printf("✓ Query by 'counselorId' successful: found session '%s'\n", result.ID)

	fmt.Println("\nTest 5: Atomic claim filter shape...")
	collection.InsertOne(ctx, SessionDocument{
		ID:           "test-session-2",
		Category:     "personal",
		Status:       "unassigned",
		StudentID:    "student-789",
		Messages:     []MessageDocument{},
		CreatedAt:    now.Add(time.Minute),
		LastActivity: now.Add(time.Minute),
	})
	res := collection.FindOneAndUpdate(ctx,
		bson.M{"_id": "test-session-2", "status": "unassigned"},
		bson.M{"$set": bson.M{"status": "active", "counselorId": "counselor-456"}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	if err := res.Decode(&result); err != nil {
		log.Fatalf("Atomic claim failed: %v", err)
	}
	fmt.Printf("✓ Claim flipped session '%s' to status '%s'\n", result.ID, result.Status)

	fmt.Println("\nTest 6: Sorting by 'lastActivity' field...")
	cursor, err := collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "lastActivity", Value: -1}}))
	if err != nil {
		log.Fatalf("Failed to sort by lastActivity: %v", err)
	}
	defer cursor.Close(ctx)

	var sessions []SessionDocument
	if err = cursor.All(ctx, &sessions); err != nil {
		log.Fatalf("Failed to decode sorted results: %v", err)
	}
	fmt.Printf("✓ Sort by 'lastActivity' successful: found %d sessions\n", len(sessions))

	collection.Drop(ctx)
	fmt.Println("\n=== Verification complete ===")
}
