package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codeclash/internal/model"
	"codeclash/internal/repository"
)

func main() {
	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	mongoDB := os.Getenv("MONGO_DB")
	if mongoDB == "" {
		mongoDB = "codeclash"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(ctx)

	problemRepo := repository.NewProblemRepo(client.Database(mongoDB))

	problems := []*model.Problem{
		{
			ID:          "two-sum",
			Title:       "Two Sum",
			Description: "Given an array of integers and a target, return the indices of the two numbers that add up to the target.",
			Difficulty:  "easy",
			EntryPoint:  "twoSum",
			Language:    "javascript",
			TestCases: []model.TestCase{
				{Args: []interface{}{[]interface{}{2, 7, 11, 15}, 9}, Expected: []interface{}{0, 1}},
				{Args: []interface{}{[]interface{}{3, 2, 4}, 6}, Expected: []interface{}{1, 2}},
				{Args: []interface{}{[]interface{}{3, 3}, 6}, Expected: []interface{}{0, 1}},
			},
		},
		{
			ID:          "reverse-string",
			Title:       "Reverse String",
			Description: "Return the input string reversed.",
			Difficulty:  "easy",
			EntryPoint:  "reverseString",
			Language:    "javascript",
			TestCases: []model.TestCase{
				{Args: []interface{}{"hello"}, Expected: "olleh"},
				{Args: []interface{}{""}, Expected: ""},
				{Args: []interface{}{"ab"}, Expected: "ba"},
			},
		},
		{
			ID:          "fizz-buzz",
			Title:       "Fizz Buzz",
			Description: "Return an array of the FizzBuzz sequence from 1 to n.",
			Difficulty:  "easy",
			EntryPoint:  "fizzBuzz",
			Language:    "javascript",
			TestCases: []model.TestCase{
				{Args: []interface{}{3}, Expected: []interface{}{"1", "2", "Fizz"}},
				{Args: []interface{}{5}, Expected: []interface{}{"1", "2", "Fizz", "4", "Buzz"}},
			},
		},
		{
			ID:          "max-subarray",
			Title:       "Maximum Subarray",
			Description: "Find the contiguous subarray with the largest sum and return that sum.",
			Difficulty:  "medium",
			EntryPoint:  "maxSubArray",
			Language:    "javascript",
			TestCases: []model.TestCase{
				{Args: []interface{}{[]interface{}{-2, 1, -3, 4, -1, 2, 1, -5, 4}}, Expected: 6},
				{Args: []interface{}{[]interface{}{1}}, Expected: 1},
				{Args: []interface{}{[]interface{}{5, 4, -1, 7, 8}}, Expected: 23},
			},
		},
		{
			ID:          "valid-parens",
			Title:       "Valid Parentheses",
			Description: "Return true if the input string of brackets is balanced.",
			Difficulty:  "medium",
			EntryPoint:  "isValid",
			Language:    "javascript",
			TestCases: []model.TestCase{
				{Args: []interface{}{"()"}, Expected: true},
				{Args: []interface{}{"()[]{}"}, Expected: true},
				{Args: []interface{}{"(]"}, Expected: false},
				{Args: []interface{}{"([)]"}, Expected: false},
			},
		},
	}

	for _, p := range problems {
		if err := problemRepo.Create(ctx, p); err != nil {
			log.Printf("Failed to seed problem %s: %v", p.ID, err)
			continue
		}
		fmt.Printf("Seeded problem %s (%s)\n", p.ID, p.Difficulty)
	}

	fmt.Println("Done.")
}
